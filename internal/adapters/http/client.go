package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dkeye/callcore/internal/app"
	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
)

// Client talks to the server API as one member. It implements
// core.Directory, core.TokenIssuer, core.HistorySink and core.HistoryReader.
type Client struct {
	base  string
	token string
	hc    *http.Client
}

func NewClient(base string) *Client {
	return &Client{base: base, hc: &http.Client{Timeout: 10 * time.Second}}
}

func (c *Client) Token() string { return c.token }

// Login obtains a bearer token for member and keeps it for later calls.
func (c *Client) Login(ctx context.Context, member domain.MemberID) (string, error) {
	var resp loginResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", loginRequest{MemberID: member}, &resp); err != nil {
		return "", err
	}
	c.token = resp.Token
	return resp.Token, nil
}

func (c *Client) Chat(ctx context.Context, id domain.ChatID) (domain.Chat, error) {
	var chat domain.Chat
	err := c.do(ctx, http.MethodGet, "/api/chats/"+url.PathEscape(string(id)), nil, &chat)
	return chat, err
}

// ChatsOf lists the chats of the logged-in member; member must be that member.
func (c *Client) ChatsOf(ctx context.Context, _ domain.MemberID) ([]domain.ChatID, error) {
	var resp struct {
		Chats []domain.Chat `json:"chats"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/chats", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.ChatID, 0, len(resp.Chats))
	for _, ch := range resp.Chats {
		out = append(out, ch.ID)
	}
	return out, nil
}

func (c *Client) IssueToken(ctx context.Context, req core.TokenRequest) (core.RelayToken, error) {
	var tok core.RelayToken
	err := c.do(ctx, http.MethodPost, "/api/calls/token", req, &tok)
	return tok, err
}

func (c *Client) Save(ctx context.Context, rec domain.CallRecord) error {
	return c.do(ctx, http.MethodPost, "/api/calls/history", rec, nil)
}

func (c *Client) List(ctx context.Context, chat domain.ChatID, limit int) ([]domain.CallRecord, error) {
	q := url.Values{"chat": {string(chat)}, "limit": {strconv.Itoa(limit)}}
	var resp struct {
		Calls []domain.CallRecord `json:"calls"`
	}
	err := c.do(ctx, http.MethodGet, "/api/calls/history?"+q.Encode(), nil, &resp)
	return resp.Calls, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: %w", method, path, errorOf(resp.StatusCode, e.Error))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func errorOf(status int, msg string) error {
	switch status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return domain.ErrNotMember
	case http.StatusNotFound:
		return app.ErrChatNotFound
	}
	return fmt.Errorf("status %d: %s", status, msg)
}
