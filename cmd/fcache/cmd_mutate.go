package main

import (
	"context"
	"fmt"

	"github.com/daviddao/forumcache/pkg/cache"
	"github.com/daviddao/forumcache/pkg/model"
	"github.com/daviddao/forumcache/pkg/optimistic"
)

// intentEffect is the local field change an intent makes before the
// server answers.
type intentEffect struct {
	field   model.FieldName
	compute optimistic.Compute
	linked  []cache.Linked
	user    bool // target is a user profile
}

var intentEffects = map[model.Intent]intentEffect{
	model.IntentLike: {field: "likes", compute: optimistic.Increment(1),
		linked: []cache.Linked{{Field: "liked", Compute: optimistic.Set(true)}}},
	model.IntentUnlike: {field: "likes", compute: optimistic.Increment(-1),
		linked: []cache.Linked{{Field: "liked", Compute: optimistic.Set(false)}}},
	model.IntentFavorite:   {field: "favorited", compute: optimistic.Set(true)},
	model.IntentUnfavorite: {field: "favorited", compute: optimistic.Set(false)},
	model.IntentFollow:     {field: "following", compute: optimistic.Set(true), user: true},
	model.IntentUnfollow:   {field: "following", compute: optimistic.Set(false), user: true},
}

// MutateCmd applies an intent optimistically and waits for the server.
type MutateCmd struct {
	Intent string `arg:"" enum:"like,unlike,favorite,unfavorite,follow,unfollow" help:"One of like, unlike, favorite, unfavorite, follow, unfollow."`
	ID     string `arg:"" help:"Post id, or user id for follow and unfollow."`
}

func (c *MutateCmd) Run(ctx context.Context, a *app) error {
	intent := model.Intent(c.Intent)
	eff := intentEffects[intent]
	id := model.EntityID(c.ID)
	if eff.user {
		if _, ok := model.UserIDOf(id); !ok {
			id = model.UserEntityID(c.ID)
		}
	}

	// The entity must be cached before it can be mutated.
	if _, err := a.cache.ReadEntity(ctx, id, 0); err != nil {
		return fmt.Errorf("%s: %w", intent, err)
	}
	done := a.cache.Mutate(ctx, id, eff.field, eff.compute, intent, eff.linked...)
	optimisticValue := fieldOf(a, id, eff.field)

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	// Linked fields resolve right after the primary one.
	a.cache.Wait()
	final := fieldOf(a, id, eff.field)

	if a.json {
		res := map[string]any{
			"entity_id":  id,
			"field":      eff.field,
			"optimistic": optimisticValue,
			"value":      final,
			"ok":         err == nil,
		}
		for _, l := range eff.linked {
			res[string(l.Field)] = fieldOf(a, id, l.Field)
		}
		if err != nil {
			res["error"] = err.Error()
		}
		a.printJSON(res)
	} else if err == nil {
		fmt.Fprintf(a.out, "%s %s: %s = %v\n", intent, id, eff.field, final)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", intent, err)
	}
	return nil
}

func fieldOf(a *app, id model.EntityID, field model.FieldName) model.Value {
	e, ok := a.cache.Peek(id)
	if !ok {
		return nil
	}
	return e.Field(field)
}
