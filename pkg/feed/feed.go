// Package feed delivers invalidation signals to the cache.
//
// A Source produces model.Invalidation values until its context is done.
// Three sources are provided: ChanSource wraps a channel fed by in-process
// code, PushSource maps raw realtime push events, and LogTailer follows the
// SQLite invalidation log so one process can invalidate another's cache.
//
// Sources only ever carry "this is out of date" signals. Payloads are never
// applied from a feed; the cache refetches on the next read.
package feed

import (
	"context"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/daviddao/forumcache/pkg/model"
)

// Source produces invalidations. Run calls emit for each signal, in order,
// and returns when ctx is done or the source is exhausted. The returned
// error is nil on normal exhaustion and ctx.Err() on cancellation.
type Source interface {
	Run(ctx context.Context, emit func(model.Invalidation)) error
}

// ChanSource is a Source reading from a channel. Run returns nil when the
// channel is closed.
type ChanSource <-chan model.Invalidation

func (c ChanSource) Run(ctx context.Context, emit func(model.Invalidation)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case inv, ok := <-c:
			if !ok {
				return nil
			}
			emit(inv)
		}
	}
}

// Push event names sent by the forum's realtime channel.
const (
	EventPrivateMessage = "privateMessage"
	EventUnreadCount    = "unreadCount"
)

// PushEvent is one raw event from the realtime channel. Data is the JSON
// event body.
type PushEvent struct {
	Name string
	Data []byte
	At   time.Time
}

// FromPush maps a push event to the invalidations it implies. Unknown
// events map to nothing.
//
// A private message invalidates the conversation with its sender and the
// conversation list. An unread-count update invalidates notifications; the
// count itself is never applied.
func FromPush(ev PushEvent) []model.Invalidation {
	switch ev.Name {
	case EventPrivateMessage:
		out := make([]model.Invalidation, 0, 2)
		if sender := gjson.GetBytes(ev.Data, "senderId"); sender.Exists() && sender.String() != "" {
			out = append(out, model.Invalidation{
				Collection: model.Key(model.CollConversation, sender.String()),
				Reason:     ev.Name,
				ReceivedAt: ev.At,
			})
		}
		return append(out, model.Invalidation{
			Collection: model.Key(model.CollConversations, ""),
			Reason:     ev.Name,
			ReceivedAt: ev.At,
		})
	case EventUnreadCount:
		reason := ev.Name
		if n, err := strconv.Atoi(string(ev.Data)); err == nil && n >= 0 {
			reason += "=" + strconv.Itoa(n)
		}
		return []model.Invalidation{{
			Collection: model.Key(model.CollNotifications, ""),
			Reason:     reason,
			ReceivedAt: ev.At,
		}}
	}
	return nil
}

// PushSource is a Source reading raw push events from a channel and
// emitting the invalidations FromPush derives from them.
type PushSource <-chan PushEvent

func (p PushSource) Run(ctx context.Context, emit func(model.Invalidation)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-p:
			if !ok {
				return nil
			}
			for _, inv := range FromPush(ev) {
				emit(inv)
			}
		}
	}
}
