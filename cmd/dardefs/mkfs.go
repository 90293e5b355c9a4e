package main

import (
	"context"
	"crypto/rand"
	"flag"
	"log"

	"golang.org/x/xerrors"

	"github.com/mjoyce/dardefs"
	"github.com/mjoyce/dardefs/internal/buffer"
	"github.com/mjoyce/dardefs/internal/disk"
	"github.com/mjoyce/dardefs/internal/vdir"
)

const mkfsMaxOpBlocks = 4

func cmdmkfs(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("mkfs", flag.ExitOnError)
	var (
		totalBlocks = fset.Uint("total-blocks", 0, "total number of physical blocks in the new container")
		noHidden    = fset.Bool("no-hidden", false, "do not provision a hidden aspect")
		keyfile     = fset.String("keyfile", "", "path to a file of whitespace-separated hex keys (cover [hidden]); prompts for passphrases if empty")
	)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.Errorf("syntax: mkfs [-flags] <path>")
	}
	if *totalBlocks == 0 {
		return xerrors.Errorf("-total-blocks must be positive")
	}
	path := fset.Arg(0)

	cover, hidden, err := readKeys(*keyfile, *noHidden)
	if err != nil {
		return err
	}

	if err := disk.Create(path, uint32(*totalBlocks), rand.Reader); err != nil {
		return xerrors.Errorf("mkfs: %w", err)
	}

	d, err := disk.Open(path, cover, hidden, rand.Reader)
	if err != nil {
		return xerrors.Errorf("mkfs: %w", err)
	}
	defer d.Close()

	buf, err := buffer.Open(d, buffer.Options{
		CacheSize:         64,
		WipeMappingTables: true,
		NoHidden:          *noHidden,
		EnforceOperations: true,
	})
	if err != nil {
		return xerrors.Errorf("mkfs: %w", err)
	}

	if err := formatRoot(buf, dardefs.Cover); err != nil {
		return xerrors.Errorf("mkfs: formatting cover root: %w", err)
	}
	if !*noHidden {
		if err := formatRoot(buf, dardefs.Hidden); err != nil {
			return xerrors.Errorf("mkfs: formatting hidden root: %w", err)
		}
	}

	if err := buf.Flush(); err != nil {
		return xerrors.Errorf("mkfs: %w", err)
	}

	hiddenStatus := "with a hidden aspect"
	if *noHidden {
		hiddenStatus = "without a hidden aspect"
	}
	log.Printf("created %s: %d blocks, %s", path, *totalBlocks, hiddenStatus)
	return nil
}

// formatRoot allocates aspect's root directory. mkfs always runs against
// a freshly wiped Buffer, so the first id handed out for each aspect is
// always 0; anything else would mean the wipe above didn't take, which is
// an invariant violation, not a recoverable mkfs error.
func formatRoot(buf *buffer.Buffer, aspect dardefs.Aspect) error {
	op, err := buf.BeginOperation(aspect, mkfsMaxOpBlocks)
	if err != nil {
		return err
	}
	defer op.End()

	root, err := vdir.New(op)
	if err != nil {
		return err
	}
	defer root.Close()
	if root.ID() != 0 {
		panic(dardefs.Fatalf("cmd/dardefs: formatRoot", "first %s block id was %d, want 0", aspect, root.ID()))
	}
	return nil
}
