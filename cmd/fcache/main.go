// Command fcache drives the forum cache from the shell: read through it,
// apply optimistic mutations, publish invalidations and tail them.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/daviddao/forumcache/pkg/cacheerr"
	"github.com/daviddao/forumcache/pkg/config"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	JSON bool `help:"JSON output."`
}

// CLI is the top-level command structure for fcache.
type CLI struct {
	Globals

	Version    kong.VersionFlag `help:"Show version." short:"V"`
	Get        GetCmd           `cmd:"" help:"Read one entity through the cache."`
	List       ListCmd          `cmd:"" help:"Read a collection through the cache."`
	Mutate     MutateCmd        `cmd:"" help:"Like, favorite or follow optimistically."`
	Invalidate InvalidateCmd    `cmd:"" help:"Mark an entity or collection stale and publish it."`
	Evict      EvictCmd         `cmd:"" help:"Drop an entity from the cache."`
	ClearUser  ClearUserCmd     `cmd:"" name:"clear-user" help:"Drop a user's lists and profile."`
	Watch      WatchCmd         `cmd:"" help:"Apply published invalidations as they arrive."`
	Status     StatusCmd        `cmd:"" help:"Show persisted entries and the invalidation log."`
	Sweep      SweepCmd         `cmd:"" help:"Delete expired and old persisted entries."`
}

// Exit codes.
const (
	exitOK       = 0
	exitError    = 1
	exitRollback = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], nil, os.Stdout, os.Stderr))
}

// run parses args and executes the selected command. A nil cfg is loaded
// from the environment.
func run(ctx context.Context, args []string, cfg *config.Config, out, errOut io.Writer) int {
	var cli CLI
	exited := false
	parser, err := kong.New(&cli,
		kong.Name("fcache"),
		kong.Description("Client-side cache for a community forum API."),
		kong.Vars{"version": version},
		kong.Writers(out, errOut),
		kong.UsageOnError(),
		kong.Exit(func(int) { exited = true }),
	)
	if err != nil {
		fmt.Fprintf(errOut, "fcache: %v\n", err)
		return exitError
	}
	kctx, err := parser.Parse(args)
	if exited {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(errOut, "fcache: %v\n", err)
		return exitError
	}

	if cfg == nil {
		if cfg, err = config.Load(); err != nil {
			fmt.Fprintf(errOut, "fcache: %v\n", err)
			return exitError
		}
	}
	a, err := newApp(cfg, out, errOut)
	if err != nil {
		fmt.Fprintf(errOut, "fcache: %v\n", err)
		return exitError
	}
	defer a.Close()
	a.json = cli.JSON

	kctx.BindTo(ctx, (*context.Context)(nil))
	if err := kctx.Run(a); err != nil {
		fmt.Fprintf(errOut, "fcache: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	if cacheerr.IsRollback(err) {
		return exitRollback
	}
	return exitError
}
