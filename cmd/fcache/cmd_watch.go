package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/daviddao/forumcache/pkg/cache"
	"github.com/daviddao/forumcache/pkg/feed"
)

// WatchCmd tails the shared invalidation log and applies each entry to the
// cache, printing every resulting change. It stops on ctrl-c.
type WatchCmd struct {
	Interval time.Duration `help:"Poll interval." default:"1s"`
	Consumer string        `help:"Durable consumer name; resumes from its saved position."`
	Include  bool          `help:"Also apply entries this process published."`
}

func (c *WatchCmd) Run(ctx context.Context, a *app) error {
	tailer := &feed.LogTailer{
		Log:      a.store,
		Interval: c.Interval,
		Self:     a.publisher,
		Logger:   a.logger.With("component", "tailer"),
	}
	if c.Include {
		tailer.Self = ""
	}
	if c.Consumer != "" {
		tailer.Consumer = c.Consumer
		tailer.Cursors = a.store
	}

	unsubscribe := a.cache.Subscribe(func(ch cache.Change) {
		a.printChange(ch)
	})
	defer unsubscribe()

	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		fmt.Fprintf(a.errOut, "watching invalidations (poll every %s, ctrl-c to stop)\n", c.Interval)
	}
	err := a.cache.Listen(ctx, tailer)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (a *app) printChange(ch cache.Change) {
	target := "entity:" + string(ch.EntityID)
	if ch.EntityID == "" {
		target = "collection:" + ch.CollectionKey.String()
	}
	if a.json {
		line := map[string]any{"kind": ch.Kind, "target": target}
		if ch.Err != nil {
			line["error"] = ch.Err.Error()
		}
		a.printJSON(line)
		return
	}
	if ch.Err != nil {
		fmt.Fprintf(a.out, "%s %s: %v\n", ch.Kind, target, ch.Err)
		return
	}
	fmt.Fprintf(a.out, "%s %s\n", ch.Kind, target)
}
