// Package httpapi implements cache.Transport against the forum's REST API.
//
// Responses are decoded with gjson rather than into fixed structs: the
// cache only needs an id and a flat field map, and the backend wraps lists
// in several shapes (a bare array, a Spring page with "content", or a
// {"data": ...} envelope).
package httpapi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/daviddao/forumcache/pkg/cacheerr"
	"github.com/daviddao/forumcache/pkg/model"
)

// maxBody caps how much of a response is read.
const maxBody = 8 << 20

// Client talks to the forum REST API. Safe for concurrent use.
type Client struct {
	base   *url.URL
	http   *http.Client
	token  string
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) Option { return func(c *Client) { c.token = token } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// New returns a Client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base:   u,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// CollectionPath returns the API path listing key.
func CollectionPath(key model.CollectionKey) (string, error) {
	scope := url.PathEscape(key.Scope)
	needScope := func(p string) (string, error) {
		if key.Scope == "" {
			return "", cacheerr.Validation("collection %q needs a scope", key.Name)
		}
		return p, nil
	}
	switch key.Name {
	case model.CollTab:
		return needScope("/api/posts/tab/" + scope)
	case model.CollComments:
		return needScope("/api/posts/" + scope + "/comments")
	case model.CollUserPosts:
		return needScope("/api/users/" + scope + "/posts")
	case model.CollUserLikes:
		return needScope("/api/users/" + scope + "/likes")
	case model.CollUserFavorites:
		return needScope("/api/users/" + scope + "/favorites")
	case model.CollConversation:
		return needScope("/api/conversations/" + scope + "/messages")
	case model.CollConversations:
		return "/api/conversations", nil
	case model.CollNotifications:
		return "/api/notifications", nil
	}
	return "", cacheerr.Validation("unknown collection %q", key.Name)
}

// entityPath returns the API path of one entity and whether it is a user.
func entityPath(id model.EntityID) (string, bool) {
	if uid, ok := model.UserIDOf(id); ok {
		return "/api/users/" + url.PathEscape(uid), true
	}
	return "/api/posts/" + url.PathEscape(string(id)), false
}

// mutationRequest maps an intent to a method and path.
func mutationRequest(id model.EntityID, intent model.Intent) (method, path string, err error) {
	target := url.PathEscape(string(id))
	if uid, ok := model.UserIDOf(id); ok {
		target = url.PathEscape(uid)
	}
	switch intent {
	case model.IntentLike:
		return http.MethodPost, "/api/posts/" + target + "/like", nil
	case model.IntentUnlike:
		return http.MethodDelete, "/api/posts/" + target + "/like", nil
	case model.IntentFavorite:
		return http.MethodPost, "/api/posts/" + target + "/favorite", nil
	case model.IntentUnfavorite:
		return http.MethodDelete, "/api/posts/" + target + "/favorite", nil
	case model.IntentFollow:
		return http.MethodPost, "/api/users/" + target + "/follow", nil
	case model.IntentUnfollow:
		return http.MethodDelete, "/api/users/" + target + "/follow", nil
	}
	return "", "", cacheerr.Validation("unsupported intent %q", intent)
}

func (c *Client) FetchCollection(ctx context.Context, key model.CollectionKey) ([]model.Payload, error) {
	path, err := CollectionPath(key)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	items := listItems(gjson.ParseBytes(body))
	if !items.IsArray() {
		return nil, cacheerr.Validation("GET %s: response is not a list", path)
	}
	var out []model.Payload
	for i, item := range items.Array() {
		p, err := decodePayload(item, false)
		if err != nil {
			return nil, cacheerr.Validation("GET %s: item %d: %v", path, i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *Client) FetchEntity(ctx context.Context, id model.EntityID) (model.Payload, error) {
	path, user := entityPath(id)
	body, err := c.do(ctx, http.MethodGet, path)
	if err != nil {
		return model.Payload{}, err
	}
	root := gjson.ParseBytes(body)
	if data := root.Get("data"); data.IsObject() {
		root = data
	}
	p, err := decodePayload(root, user)
	if err != nil {
		return model.Payload{}, cacheerr.Validation("GET %s: %v", path, err)
	}
	return p, nil
}

// MutateField performs intent. A 2xx answer is a success unless the body
// says "success": false. When the body carries field (at the top level or
// under "data"), its value is reported as the server value.
func (c *Client) MutateField(ctx context.Context, id model.EntityID, field model.FieldName, intent model.Intent) (model.MutationResult, error) {
	method, path, err := mutationRequest(id, intent)
	if err != nil {
		return model.MutationResult{}, err
	}
	body, err := c.do(ctx, method, path)
	if err != nil {
		return model.MutationResult{}, err
	}
	res := model.MutationResult{Success: true}
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return res, nil
	}
	root := gjson.ParseBytes(body)
	if s := root.Get("success"); s.Exists() {
		res.Success = s.Bool()
	}
	name := gjson.Escape(string(field))
	for _, path := range []string{name, "data." + name} {
		if v := root.Get(path); v.Exists() {
			res.ServerValue = v.Value()
			break
		}
	}
	return res, nil
}

// listItems finds the array in a list response.
func listItems(root gjson.Result) gjson.Result {
	if root.IsArray() {
		return root
	}
	for _, path := range []string{"content", "data", "data.content", "items"} {
		if r := root.Get(path); r.IsArray() {
			return r
		}
	}
	return root
}

// decodePayload flattens a JSON object into a payload. Numbers decode as
// float64. User objects get the namespaced profile id.
func decodePayload(obj gjson.Result, user bool) (model.Payload, error) {
	if !obj.IsObject() {
		return model.Payload{}, fmt.Errorf("not an object")
	}
	id := obj.Get("id").String()
	if id == "" {
		return model.Payload{}, fmt.Errorf("missing id")
	}
	p := model.Payload{ID: model.EntityID(id), Fields: make(map[model.FieldName]model.Value)}
	if user {
		p.ID = model.UserEntityID(id)
	}
	obj.ForEach(func(k, v gjson.Result) bool {
		if k.String() != "id" {
			p.Fields[model.FieldName(k.String())] = v.Value()
		}
		return true
	})
	return p, nil
}

func (c *Client) do(ctx context.Context, method, path string) ([]byte, error) {
	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, cacheerr.Transport(method+" "+path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, cacheerr.Transport(method+" "+path+": read body", err)
	}
	c.logger.Debug("api request", "method", method, "path", path,
		"status", resp.StatusCode, "elapsed", time.Since(start))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, cacheerr.Newf(cacheerr.CodeNotFound, "%s %s: not found", method, path)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg := gjson.GetBytes(body, "message").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, cacheerr.Newf(cacheerr.CodeTransport, "%s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	return body, nil
}
