package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/parley-im/parley/internal/proto"
	"github.com/parley-im/parley/internal/util"
)

// REST wraps the server's HTTP API. Login stores the bearer token for
// subsequent calls.
type REST struct {
	base  string
	http  *http.Client
	token string
}

func NewREST(base string) *REST {
	return &REST{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: util.DefaultRequestTimeout},
	}
}

// Token is the bearer token from the last successful Login.
func (r *REST) Token() string { return r.token }

// Login exchanges credentials for a token and the authenticated user.
func (r *REST) Login(ctx context.Context, username, password string) (*proto.User, error) {
	var out struct {
		Token string      `json:"token"`
		User  *proto.User `json:"user"`
	}
	err := r.call(ctx, http.MethodPost, "/api/login", map[string]string{
		"username": username,
		"password": password,
	}, &out)
	if err != nil {
		return nil, err
	}
	r.token = out.Token
	return out.User, nil
}

// Register creates a new account.
func (r *REST) Register(ctx context.Context, username, password, displayName string) (*proto.User, error) {
	var out proto.User
	err := r.call(ctx, http.MethodPost, "/api/users", map[string]string{
		"username":    username,
		"password":    password,
		"displayName": displayName,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateDisplayName changes the authenticated user's display name.
func (r *REST) UpdateDisplayName(ctx context.Context, displayName string) (*proto.User, error) {
	var out proto.User
	err := r.call(ctx, http.MethodPut, "/api/users/self", map[string]string{
		"displayName": displayName,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Users fetches the full roster.
func (r *REST) Users(ctx context.Context) ([]*proto.User, error) {
	var out []*proto.User
	if err := r.call(ctx, http.MethodGet, "/api/users", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendMessage posts a chat message to another user.
func (r *REST) SendMessage(ctx context.Context, to, body string) (*proto.ChatMessage, error) {
	var out proto.ChatMessage
	err := r.call(ctx, http.MethodPost, "/api/messages", map[string]string{
		"to":   to,
		"body": body,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Conversation fetches message history with another user.
func (r *REST) Conversation(ctx context.Context, with string, limit int) ([]*proto.ChatMessage, error) {
	q := url.Values{"with": {with}}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var out []*proto.ChatMessage
	if err := r.call(ctx, http.MethodGet, "/api/messages?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead stamps a received message as read.
func (r *REST) MarkRead(ctx context.Context, messageID string) error {
	return r.call(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(messageID)+"/read", nil, nil)
}

// SendFeedback submits free-form feedback.
func (r *REST) SendFeedback(ctx context.Context, body string) error {
	return r.call(ctx, http.MethodPost, "/api/feedback", map[string]string{"body": body}, nil)
}

func (r *REST) call(ctx context.Context, method, path string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.base+path, reqBody)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
