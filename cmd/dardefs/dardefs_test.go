package main

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/mjoyce/dardefs/internal/keys"
)

func writeKeyfile(t *testing.T, dir string, noHidden bool) string {
	t.Helper()
	cover := keys.DeriveCover([]byte("cli test cover passphrase"))
	path := filepath.Join(dir, "keys.txt")
	contents := hex.EncodeToString(cover[:])
	if !noHidden {
		hidden := keys.DeriveHidden([]byte("cli test hidden passphrase"))
		contents += "\n" + hex.EncodeToString(hidden[:])
	}
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("WriteFile(keyfile): %v", err)
	}
	return path
}

func TestMkfsThenFsckRoundTrip(t *testing.T) {
	dir := t.TempDir()
	container := filepath.Join(dir, "container.img")
	keyfile := writeKeyfile(t, dir, false)
	ctx := context.Background()

	if err := cmdmkfs(ctx, []string{"-total-blocks=256", "-keyfile=" + keyfile, container}); err != nil {
		t.Fatalf("cmdmkfs: %v", err)
	}
	if _, err := os.Stat(container); err != nil {
		t.Fatalf("container missing after mkfs: %v", err)
	}
	if err := cmdfsck(ctx, []string{"-keyfile=" + keyfile, container}); err != nil {
		t.Fatalf("cmdfsck after mkfs: %v", err)
	}
}

func TestMkfsNoHidden(t *testing.T) {
	dir := t.TempDir()
	container := filepath.Join(dir, "container.img")
	keyfile := writeKeyfile(t, dir, true)
	ctx := context.Background()

	if err := cmdmkfs(ctx, []string{"-total-blocks=256", "-no-hidden", "-keyfile=" + keyfile, container}); err != nil {
		t.Fatalf("cmdmkfs: %v", err)
	}
	if err := cmdfsck(ctx, []string{"-no-hidden", "-keyfile=" + keyfile, container}); err != nil {
		t.Fatalf("cmdfsck after mkfs -no-hidden: %v", err)
	}
}

func TestMkfsRejectsZeroTotalBlocks(t *testing.T) {
	dir := t.TempDir()
	container := filepath.Join(dir, "container.img")
	keyfile := writeKeyfile(t, dir, false)
	ctx := context.Background()

	err := cmdmkfs(ctx, []string{"-keyfile=" + keyfile, container})
	if err == nil {
		t.Fatalf("cmdmkfs with no -total-blocks succeeded, want error")
	}
}

func TestFsckRejectsMismatchedHiddenExpectation(t *testing.T) {
	dir := t.TempDir()
	container := filepath.Join(dir, "container.img")
	// Format without a hidden aspect at all...
	mkfsKeyfile := writeKeyfile(t, dir, true)
	ctx := context.Background()

	if err := cmdmkfs(ctx, []string{"-total-blocks=256", "-no-hidden", "-keyfile=" + mkfsKeyfile, container}); err != nil {
		t.Fatalf("cmdmkfs: %v", err)
	}

	// ...then run fsck expecting one: the hidden root (block id 0 of the
	// hidden aspect) was never allocated, so reading it must fail rather
	// than silently succeeding against whatever ciphertext happens to sit
	// in an unallocated slot.
	fsckKeyfile := writeKeyfile(t, dir, false)
	err := cmdfsck(ctx, []string{"-keyfile=" + fsckKeyfile, container})
	if err == nil {
		t.Fatalf("cmdfsck expecting a hidden aspect that was never formatted succeeded, want error")
	}
}

func TestReadKeyfileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	keyfile := writeKeyfile(t, dir, false)

	cover, hidden, err := readKeyfile(keyfile, false)
	if err != nil {
		t.Fatalf("readKeyfile: %v", err)
	}
	wantCover := keys.DeriveCover([]byte("cli test cover passphrase"))
	wantHidden := keys.DeriveHidden([]byte("cli test hidden passphrase"))
	if cover != wantCover {
		t.Fatalf("cover key mismatch")
	}
	if hidden != wantHidden {
		t.Fatalf("hidden key mismatch")
	}
}

func TestReadKeyfileMissingHiddenKey(t *testing.T) {
	dir := t.TempDir()
	keyfile := writeKeyfile(t, dir, true)

	if _, _, err := readKeyfile(keyfile, false); err == nil {
		t.Fatalf("readKeyfile without hidden key and noHidden=false succeeded, want error")
	}
}
