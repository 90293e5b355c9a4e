package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"golang.org/x/crypto/ssh/terminal"
	"golang.org/x/xerrors"

	"github.com/mjoyce/dardefs"
	"github.com/mjoyce/dardefs/internal/keys"
)

// readKeys obtains the cover (and, unless noHidden, hidden) AES key for a
// container. With keyfile set, both keys are read as whitespace-separated
// hex from that file (cover first, hidden second). Otherwise a passphrase
// is read from stdin: a no-echo prompt when stdin is a terminal, or a
// single line when it is not (scripted invocations, test harnesses).
func readKeys(keyfile string, noHidden bool) (cover, hidden [dardefs.KeySize]byte, err error) {
	if keyfile != "" {
		return readKeyfile(keyfile, noHidden)
	}

	coverPass, err := readPassphrase("cover passphrase: ")
	if err != nil {
		return cover, hidden, xerrors.Errorf("reading cover passphrase: %w", err)
	}
	cover = keys.DeriveCover(coverPass)
	if noHidden {
		return cover, hidden, nil
	}
	hiddenPass, err := readPassphrase("hidden passphrase: ")
	if err != nil {
		return cover, hidden, xerrors.Errorf("reading hidden passphrase: %w", err)
	}
	hidden = keys.DeriveHidden(hiddenPass)
	return cover, hidden, nil
}

func readKeyfile(path string, noHidden bool) (cover, hidden [dardefs.KeySize]byte, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cover, hidden, xerrors.Errorf("reading keyfile: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return cover, hidden, xerrors.Errorf("keyfile %s has no cover key", path)
	}
	cover, err = keys.ParseHex(fields[0])
	if err != nil {
		return cover, hidden, xerrors.Errorf("keyfile %s cover key: %w", path, err)
	}
	if noHidden {
		return cover, hidden, nil
	}
	if len(fields) < 2 {
		return cover, hidden, xerrors.Errorf("keyfile %s has no hidden key (pass -no-hidden to skip it)", path)
	}
	hidden, err = keys.ParseHex(fields[1])
	if err != nil {
		return cover, hidden, xerrors.Errorf("keyfile %s hidden key: %w", path, err)
	}
	return cover, hidden, nil
}

func readPassphrase(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	if isatty.IsTerminal(os.Stdin.Fd()) {
		pass, err := terminal.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		return pass, err
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return nil, err
	}
	return []byte(strings.TrimRight(line, "\r\n")), nil
}
