// Package keys derives the cover and hidden AES-128 keys that
// internal/disk needs from operator-supplied secret material. spec.md
// leaves the exact mechanism to the invoker; this package supplies the
// concrete one: PBKDF2-HMAC-SHA256 over a passphrase, or a raw 16-byte
// hex key for scripted/test use.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/xerrors"

	"github.com/mjoyce/dardefs"
)

// iterations follows current PBKDF2-HMAC-SHA256 guidance for an
// interactively-entered passphrase; this is not a tunable knob exposed
// to callers, since varying it across mounts of the same container
// would silently change the derived key.
const iterations = 200000

// Salts are fixed, public labels rather than random per-container
// values: a randomly generated salt would have to be stored somewhere
// to be read back on every mount, and anywhere it's stored unencrypted
// is itself a signal that a hidden aspect may or may not be present,
// undermining the deniability the rest of the format is built around.
const (
	coverSalt  = "dardefs-cover-key-v1"
	hiddenSalt = "dardefs-hidden-key-v1"
)

// DeriveCover derives the cover aspect's key from a passphrase.
func DeriveCover(passphrase []byte) [dardefs.KeySize]byte {
	return derive(passphrase, coverSalt)
}

// DeriveHidden derives the hidden aspect's key from a passphrase. It is
// the caller's responsibility to pass a different passphrase than the
// one used for DeriveCover; this package has no way to detect reuse.
func DeriveHidden(passphrase []byte) [dardefs.KeySize]byte {
	return derive(passphrase, hiddenSalt)
}

func derive(passphrase []byte, salt string) [dardefs.KeySize]byte {
	raw := pbkdf2.Key(passphrase, []byte(salt), iterations, dardefs.KeySize, sha256.New)
	var key [dardefs.KeySize]byte
	copy(key[:], raw)
	return key
}

// ParseHex decodes a raw hex-encoded key of exactly dardefs.KeySize
// bytes, for scripted invocations that supply keys directly rather than
// a passphrase to derive them from.
func ParseHex(s string) ([dardefs.KeySize]byte, error) {
	var key [dardefs.KeySize]byte
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return key, xerrors.Errorf("keys: ParseHex: %w", err)
	}
	if len(raw) != dardefs.KeySize {
		return key, xerrors.Errorf("keys: ParseHex: want %d bytes, got %d", dardefs.KeySize, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
