// Package console is the admin side of the support chat: a REST client for
// the control plane, a push connection for live events, and the state kept
// for the one chat an admin has open.
package console

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"SupportChat/server/internal/models"
)

var (
	ErrUnauthorized = errors.New("not logged in")
	ErrForbidden    = errors.New("not permitted")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
)

// APIError is a non-2xx answer from the control plane.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// Unwrap exposes both the transport-level class of the failure and, where
// the server said which, the matching domain error.
func (e *APIError) Unwrap() []error {
	var errs []error
	switch e.Status {
	case http.StatusUnauthorized:
		errs = append(errs, ErrUnauthorized)
	case http.StatusForbidden:
		errs = append(errs, ErrForbidden)
	case http.StatusNotFound:
		errs = append(errs, ErrNotFound)
	case http.StatusConflict:
		errs = append(errs, ErrConflict)
	}
	for _, known := range []error{
		models.ErrChatNotFound,
		models.ErrMessageNotFound,
		models.ErrChatClosed,
		models.ErrStaleIndex,
	} {
		if e.Message == known.Error() {
			errs = append(errs, known)
		}
	}
	return errs
}

// Client talks to the /admin/chats endpoints with one admin token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if s, ok := out.(*string); ok {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		*s = string(data)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func chatPath(chatID string) string {
	return "/admin/chats/" + url.PathEscape(chatID)
}

func (c *Client) ListChats(ctx context.Context, query url.Values) ([]models.ChatSummary, error) {
	path := "/admin/chats"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var out []models.ChatSummary
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}

func (c *Client) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	var out models.Chat
	if err := c.do(ctx, http.MethodGet, chatPath(chatID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) MarkRead(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, chatPath(chatID)+"/mark-read", nil, nil)
}

func (c *Client) SendMessage(ctx context.Context, chatID, text string) (models.Message, error) {
	var out models.Message
	err := c.do(ctx, http.MethodPost, chatPath(chatID)+"/message",
		map[string]string{"text": text, "from": string(models.RoleAdmin)}, &out)
	return out, err
}

func (c *Client) Assign(ctx context.Context, chatID string) (string, error) {
	var out struct {
		AssignedAdmin string `json:"assignedAdmin"`
	}
	err := c.do(ctx, http.MethodPost, chatPath(chatID)+"/assign", nil, &out)
	return out.AssignedAdmin, err
}

func (c *Client) Unassign(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodPost, chatPath(chatID)+"/unassign", nil, nil)
}

func (c *Client) SetClosed(ctx context.Context, chatID string, closed bool) (models.ChatStatus, error) {
	var out struct {
		Status models.ChatStatus `json:"status"`
	}
	err := c.do(ctx, http.MethodPost, chatPath(chatID)+"/close", map[string]bool{"close": closed}, &out)
	return out.Status, err
}

func (c *Client) Export(ctx context.Context, chatID string) (string, error) {
	var out string
	err := c.do(ctx, http.MethodGet, chatPath(chatID)+"/export", nil, &out)
	return out, err
}

// DeleteMessage sends seq along so the server refuses the delete if the
// message at index is no longer the one the admin was looking at.
func (c *Client) DeleteMessage(ctx context.Context, chatID string, index int, seq int64) error {
	path := chatPath(chatID) + "/messages/" + strconv.Itoa(index)
	if seq > 0 {
		path += "?seq=" + strconv.FormatInt(seq, 10)
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodDelete, chatPath(chatID), nil, nil)
}
