package cache

import (
	"time"

	"github.com/daviddao/forumcache/pkg/model"
)

// Class groups cached data that shares one TTL.
type Class string

const (
	ClassEntity       Class = "entity"
	ClassCollection   Class = "collection"
	ClassConversation Class = "conversation"
	ClassNotification Class = "notification"
)

// TTLs holds the staleness threshold of each class.
type TTLs struct {
	Entity       time.Duration `yaml:"entity" json:"entity"`
	Collection   time.Duration `yaml:"collection" json:"collection"`
	Conversation time.Duration `yaml:"conversation" json:"conversation"`
	Notification time.Duration `yaml:"notification" json:"notification"`
}

// DefaultTTLs matches the forum backend's post cache (10m), the web
// client's list cache (15m), and the short-lived messaging views.
func DefaultTTLs() TTLs {
	return TTLs{
		Entity:       10 * time.Minute,
		Collection:   15 * time.Minute,
		Conversation: time.Minute,
		Notification: 30 * time.Second,
	}
}

// Of returns the TTL for class c. Unset values fall back to the defaults.
func (t TTLs) Of(c Class) time.Duration {
	d := DefaultTTLs()
	switch c {
	case ClassEntity:
		return orDefault(t.Entity, d.Entity)
	case ClassConversation:
		return orDefault(t.Conversation, d.Conversation)
	case ClassNotification:
		return orDefault(t.Notification, d.Notification)
	default:
		return orDefault(t.Collection, d.Collection)
	}
}

func orDefault(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

// ClassOf maps a collection key to its cache class.
func ClassOf(key model.CollectionKey) Class {
	switch key.Name {
	case model.CollConversation, model.CollConversations:
		return ClassConversation
	case model.CollNotifications:
		return ClassNotification
	default:
		return ClassCollection
	}
}
