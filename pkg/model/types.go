// Package model defines the core domain types for forumcache.
//
// Forumcache is the client-side response cache of the community forum. It
// keeps two kinds of cached data:
//
//   - Entities: posts, comments, users, conversations and messages, keyed by
//     id. Exactly one logical copy of each entity exists.
//
//   - Collections: ordered id lists such as a home-page tab or the message
//     history with one partner. Collections hold ids only, never payloads, so
//     a change to an entity is visible in every collection that lists it.
//
// Both carry a last-refresh timestamp that drives TTL staleness.
package model

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"
)

// EntityID identifies a cached entity. Numeric backend ids are carried in
// their decimal string form.
type EntityID string

// FieldName names one field of an entity payload ("likes", "favorited").
type FieldName string

// Value is a field value as decoded from the wire.
type Value = any

// Entity is the cached snapshot of one remote object.
type Entity struct {
	ID              EntityID            `json:"id"`
	Fields          map[FieldName]Value `json:"fields"`
	LastRefreshedAt time.Time           `json:"last_refreshed_at"`
}

// Field returns the value stored under name, or nil.
func (e Entity) Field(name FieldName) Value {
	return e.Fields[name]
}

// Clone returns a copy of e whose field map can be modified independently.
// Field values themselves are shared.
func (e Entity) Clone() Entity {
	e.Fields = maps.Clone(e.Fields)
	return e
}

// Payload is an entity as returned by the transport, before it is cached.
type Payload struct {
	ID     EntityID            `json:"id"`
	Fields map[FieldName]Value `json:"fields"`
}

// Collection names used by the forum client.
const (
	CollTab           = "tab"
	CollUserPosts     = "user_posts"
	CollUserLikes     = "user_likes"
	CollUserFavorites = "user_favorites"
	CollComments      = "comments"
	CollConversations = "conversations"
	CollConversation  = "conversation"
	CollNotifications = "notifications"
)

// CollectionKey identifies a logical collection: a name plus an optional
// scope such as a tab name or a conversation partner id.
type CollectionKey struct {
	Name  string `json:"name"`
	Scope string `json:"scope,omitempty"`
}

// Key builds a CollectionKey.
func Key(name, scope string) CollectionKey {
	return CollectionKey{Name: name, Scope: scope}
}

// String returns "name" or "name:scope".
func (k CollectionKey) String() string {
	if k.Scope == "" {
		return k.Name
	}
	return k.Name + ":" + k.Scope
}

// IsZero reports whether k has no name.
func (k CollectionKey) IsZero() bool { return k.Name == "" }

// ParseCollectionKey is the inverse of CollectionKey.String. Only the first
// colon separates name from scope.
func ParseCollectionKey(s string) CollectionKey {
	s = strings.TrimSpace(s)
	name, scope, _ := strings.Cut(s, ":")
	return CollectionKey{Name: name, Scope: scope}
}

// Collection is a cached ordered id list.
type Collection struct {
	Key             CollectionKey `json:"key"`
	IDs             []EntityID    `json:"ids"`
	LastRefreshedAt time.Time     `json:"last_refreshed_at"`
}

// Clone returns a copy of c with its own id slice.
func (c Collection) Clone() Collection {
	c.IDs = slices.Clone(c.IDs)
	return c
}

// PendingMutation records an optimistic field change awaiting remote
// confirmation. PreviousValue is the value a rollback restores.
type PendingMutation struct {
	EntityID      EntityID  `json:"entity_id"`
	Field         FieldName `json:"field"`
	PreviousValue Value     `json:"previous_value"`
	AppliedAt     time.Time `json:"applied_at"`
	// Seq orders mutations on the same (EntityID, Field). Resolution only
	// clears a pending record whose Seq matches.
	Seq uint64 `json:"seq"`
}

// FetchState is the lifecycle of a collection fetch.
type FetchState string

const (
	FetchIdle      FetchState = "idle"
	FetchFetching  FetchState = "fetching"
	FetchCommitted FetchState = "committed"
	FetchCancelled FetchState = "cancelled"
)

// InFlightRequest is a collection fetch owned by the request coordinator.
type InFlightRequest struct {
	Key        CollectionKey      `json:"key"`
	Generation uint64             `json:"generation"`
	StartedAt  time.Time          `json:"started_at"`
	Cancel     context.CancelFunc `json:"-"`
}

// Intent names the remote action behind an optimistic mutation. The
// transport maps it to an endpoint.
type Intent string

const (
	IntentLike       Intent = "like"
	IntentUnlike     Intent = "unlike"
	IntentFavorite   Intent = "favorite"
	IntentUnfavorite Intent = "unfavorite"
	IntentFollow     Intent = "follow"
	IntentUnfollow   Intent = "unfollow"
)

// UserEntityID is the entity id of a user's profile. User ids share a
// numeric space with posts, so profiles are namespaced.
func UserEntityID(userID string) EntityID {
	return EntityID(userPrefix + userID)
}

// UserIDOf returns the user id of a profile entity id.
func UserIDOf(id EntityID) (string, bool) {
	return strings.CutPrefix(string(id), userPrefix)
}

const userPrefix = "user:"

// MutationResult is the remote answer to a field mutation. ServerValue is
// set when the backend reports the authoritative new value.
type MutationResult struct {
	Success     bool  `json:"success"`
	ServerValue Value `json:"server_value,omitempty"`
}

// Invalidation is a signal that cached data is out of date. Exactly one of
// EntityID and Collection is set.
type Invalidation struct {
	EntityID   EntityID      `json:"entity_id,omitempty"`
	Collection CollectionKey `json:"collection,omitzero"`
	Reason     string        `json:"reason,omitempty"`
	ReceivedAt time.Time     `json:"received_at"`
}

// Target returns a short description of what inv names.
func (inv Invalidation) Target() string {
	if inv.EntityID != "" {
		return "entity:" + string(inv.EntityID)
	}
	return "collection:" + inv.Collection.String()
}
