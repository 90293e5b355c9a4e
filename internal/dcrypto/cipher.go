// Package dcrypto implements the per-slot encryption scheme: AES-128 in
// CBC mode with no padding, a fresh random IV prepended to every
// ciphertext. There is deliberately no authentication tag (spec §3):
// decrypting under the wrong key must yield plausible-looking random
// bytes, not a detectable MAC failure, or the cover/hidden distinction
// would leak through failed verification.
//
// This is grounded on disk.cpp's encryptBlock/decryptBlock (Crypto++
// CBC_Mode<AES>, NO_PADDING); the standard library's crypto/aes and
// crypto/cipher give the same primitive without a third-party dependency,
// which is the idiomatic choice for AES-CBC in Go (no example in the
// retrieval pack reaches for a non-stdlib AES implementation).
package dcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"io"

	"golang.org/x/xerrors"

	"github.com/mjoyce/dardefs"
)

// EncryptBlock encrypts a dardefs.LogicalBlockSize plaintext under key,
// returning a dardefs.PhysicalBlockSize slice: a fresh IV read from rng
// followed by the CBC ciphertext.
func EncryptBlock(key [dardefs.KeySize]byte, plaintext []byte, rng io.Reader) ([]byte, error) {
	if len(plaintext) != dardefs.LogicalBlockSize {
		return nil, xerrors.Errorf("dcrypto: EncryptBlock: plaintext is %d bytes, want %d", len(plaintext), dardefs.LogicalBlockSize)
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, xerrors.Errorf("dcrypto: EncryptBlock: %w", err)
	}
	out := make([]byte, dardefs.PhysicalBlockSize)
	iv := out[:dardefs.IVSize]
	if _, err := io.ReadFull(rng, iv); err != nil {
		return nil, xerrors.Errorf("dcrypto: EncryptBlock: generating IV: %w", err)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[dardefs.IVSize:], plaintext)
	return out, nil
}

// DecryptBlock decrypts a dardefs.PhysicalBlockSize slot under key,
// returning the dardefs.LogicalBlockSize plaintext. It never fails on
// malformed or wrong-key ciphertext beyond a length check: the result is
// simply whatever bytes fall out of CBC decryption, by design (spec §3).
func DecryptBlock(key [dardefs.KeySize]byte, slot []byte) ([]byte, error) {
	if len(slot) != dardefs.PhysicalBlockSize {
		return nil, xerrors.Errorf("dcrypto: DecryptBlock: slot is %d bytes, want %d", len(slot), dardefs.PhysicalBlockSize)
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, xerrors.Errorf("dcrypto: DecryptBlock: %w", err)
	}
	iv := slot[:dardefs.IVSize]
	out := make([]byte, dardefs.LogicalBlockSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, slot[dardefs.IVSize:])
	return out, nil
}
