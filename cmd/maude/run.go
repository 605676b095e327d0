package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/airgap/maude-sub003/internal/cli"
)

func Run(ctx context.Context, args []string) int {
	root := cli.NewRootCmd(Version)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return 130
		}
		fmt.Fprintln(os.Stderr, "maude: "+err.Error())
		if errors.Is(err, syscall.ECONNREFUSED) {
			fmt.Fprintln(os.Stderr, "the daemon is not reachable; start it with `maude start`")
		}
		return 1
	}
	return 0
}
