package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/YuehaiTeam/kachina-installer/internal/kerrors"
)

var log = logrus.New()

// options is the installer's flat, short-flag surface: -D, -S, -I, -O, -U,
// plus the long-form --source/--dfs-extras, matching go-flags'
// struct-tag-driven style the way canonical-snapd's own single-purpose
// tools (uc20-create-partitions, snap-bootstrap subcommands) use it, as
// opposed to cobra's subcommand-oriented style used by the builder.
type options struct {
	TargetDir  string `short:"D" long:"target-dir" description:"install/update target directory"`
	Silent     bool   `short:"S" long:"silent" description:"suppress all UI"`
	NonInteractive bool `short:"I" long:"non-interactive" description:"never prompt, fail instead"`
	OnlineOnly bool   `short:"O" long:"online-only" description:"ignore any embedded package data"`
	Uninstall  bool   `short:"U" long:"uninstall" description:"remove the installed application"`
	Source     string `long:"source" description:"remote source id to resolve against"`
	DfsExtras  string `long:"dfs-extras" description:"extra JSON payload forwarded to a session resolver"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(exitCodeFor(err))
	}

	ctx := context.Background()
	if err := run(ctx, opts); err != nil {
		if !opts.Silent {
			fmt.Fprintln(os.Stderr, kerrors.Friendly(err))
		}
		log.WithError(err).Error("installer run failed")
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an error's category onto a small set of non-zero exit
// codes, so callers scripting around the installer can branch without
// parsing text.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	switch kerrors.Classify(err) {
	case kerrors.CategoryNetwork:
		return 10
	case kerrors.CategoryFilesystem:
		return 20
	case kerrors.CategoryFormat:
		return 30
	case kerrors.CategoryState:
		return 40
	case kerrors.CategoryCancelled:
		return 130
	default:
		return 1
	}
}
