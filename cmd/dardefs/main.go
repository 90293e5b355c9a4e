// Command dardefs manages and mounts dardefs containers: the on-disk
// encrypted, block-based filesystem with an optional deniable hidden
// aspect implemented by this module's internal packages.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mjoyce/dardefs/internal/oninterrupt"
)

var debug = flag.Bool("debug", false, "enable debug mode: format error messages with additional detail")

func funcmain() error {
	flag.Parse()

	type cmd struct {
		fn func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"mkfs":  {cmdmkfs},
		"mount": {cmdmount},
		"fsck":  {cmdfsck},
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "syntax: dardefs [-flags] <command> [options]\n")
		fmt.Fprintf(os.Stderr, "commands: mkfs, mount, fsck\n")
		os.Exit(2)
	}
	verb, rest := args[0], args[1:]

	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: dardefs [-flags] <command> [options]\n")
		os.Exit(2)
	}

	ctx, canc := oninterrupt.Context()
	defer canc()

	if err := v.fn(ctx, rest); err != nil {
		if *debug {
			return fmt.Errorf("%s: %+v", verb, err)
		}
		return fmt.Errorf("%s: %v", verb, err)
	}
	return nil
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
