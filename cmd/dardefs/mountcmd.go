package main

import (
	"context"
	"crypto/rand"
	"flag"
	"log"

	"golang.org/x/xerrors"

	"github.com/mjoyce/dardefs/internal/buffer"
	"github.com/mjoyce/dardefs/internal/disk"
	"github.com/mjoyce/dardefs/internal/mount"
	"github.com/mjoyce/dardefs/internal/oninterrupt"
)

func cmdmount(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("mount", flag.ExitOnError)
	var (
		cacheSize   = fset.Int("cache-size", 256, "number of logical blocks to cache")
		noHidden    = fset.Bool("no-hidden", false, "mount cover-only, without a hidden key")
		maxOpBlocks = fset.Int("max-op-blocks", 32, "maximum distinct blocks one file system operation may touch")
		keyfile     = fset.String("keyfile", "", "path to a file of whitespace-separated hex keys (cover [hidden]); prompts for passphrases if empty")
	)
	fset.Parse(args)
	if fset.NArg() != 2 {
		return xerrors.Errorf("syntax: mount [-flags] <path> <mountpoint>")
	}
	path, mountpoint := fset.Arg(0), fset.Arg(1)

	cover, hidden, err := readKeys(*keyfile, *noHidden)
	if err != nil {
		return err
	}

	d, err := disk.Open(path, cover, hidden, rand.Reader)
	if err != nil {
		return xerrors.Errorf("mount: %w", err)
	}
	defer d.Close()

	buf, err := buffer.Open(d, buffer.Options{
		CacheSize:         *cacheSize,
		NoHidden:          *noHidden,
		Debug:             *debug,
		EnforceOperations: true,
	})
	if err != nil {
		return xerrors.Errorf("mount: %w", err)
	}

	// Best-effort safety net: if the unmount triggered by the canceled
	// context below hangs (e.g. the kernel mount is still busy), at
	// least get dirty blocks onto disk before the process is killed.
	oninterrupt.Register(func() {
		if err := buf.Flush(); err != nil {
			log.Printf("mount: interrupt flush: %v", err)
		}
	})

	fs := mount.New(buf, !*noHidden, *maxOpBlocks)
	join, err := mount.Mount(ctx, fs, mountpoint, *debug)
	if err != nil {
		return xerrors.Errorf("mount: %w", err)
	}
	log.Printf("mounted %s at %s", path, mountpoint)

	if err := join(ctx); err != nil {
		return xerrors.Errorf("mount: %w", err)
	}
	if err := buf.Flush(); err != nil {
		return xerrors.Errorf("mount: final flush: %w", err)
	}
	return nil
}
