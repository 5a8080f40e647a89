// Package rest is the HTTP client for the messaging service's REST API:
// conversation list, history pages, fallback send, read receipts and
// attachment uploads.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/chatcore/internal/domain"
	"github.com/matheus3301/chatcore/internal/transport"
)

const DefaultTimeout = 15 * time.Second

// ErrUnauthorized is returned for 401/403 responses.
var ErrUnauthorized = errors.New("rest: unauthorized")

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Client talks to the messaging REST API.
type Client struct {
	baseURL    string
	token      func() string
	httpClient *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTokenSource makes the client read the bearer token on every request.
func WithTokenSource(fn func() string) Option {
	return func(c *Client) { c.token = fn }
}

// New creates a client for baseURL authenticating with token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      func() string { return token },
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ConversationPayload is the REST shape of one conversation.
type ConversationPayload struct {
	Counterpart domain.User               `json:"counterpart"`
	LastMessage *transport.MessagePayload `json:"lastMessage,omitempty"`
	UnreadCount int                       `json:"unreadCount"`
	Online      bool                      `json:"online"`
	CreatedAt   time.Time                 `json:"createdAt"`
}

// ToDomain converts the payload into the domain model.
func (p ConversationPayload) ToDomain() domain.Conversation {
	c := domain.Conversation{
		Counterpart: p.Counterpart,
		UnreadCount: p.UnreadCount,
		Online:      p.Online,
		CreatedAt:   p.CreatedAt,
	}
	if p.LastMessage != nil {
		m := p.LastMessage.ToDomain()
		c.LastMessage = &m
	}
	return c
}

// ListConversations fetches the current user's conversations.
func (c *Client) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	var out struct {
		Conversations []ConversationPayload `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	convs := make([]domain.Conversation, 0, len(out.Conversations))
	for _, p := range out.Conversations {
		convs = append(convs, p.ToDomain())
	}
	return convs, nil
}

// ListMessages fetches one page of history with counterpartID, oldest first.
// Page numbers start at 1 and page 1 holds the newest messages.
func (c *Client) ListMessages(ctx context.Context, counterpartID string, page, limit int) ([]domain.Message, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	var out struct {
		Messages []transport.MessagePayload `json:"messages"`
	}
	path := "/api/conversations/" + url.PathEscape(counterpartID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, fmt.Errorf("list messages with %s page %d: %w", counterpartID, page, err)
	}
	msgs := make([]domain.Message, 0, len(out.Messages))
	for _, p := range out.Messages {
		msgs = append(msgs, p.ToDomain())
	}
	return msgs, nil
}

// SendMessage persists a message through the REST fallback path. The
// optimistic temp id is sent along so the server can echo it back.
func (c *Client) SendMessage(ctx context.Context, m domain.Message) (domain.Message, error) {
	var out struct {
		Message transport.MessagePayload `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/messages", nil, transport.FromDomain(m), &out); err != nil {
		return domain.Message{}, fmt.Errorf("send message: %w", err)
	}
	if out.Message.ID == "" {
		return domain.Message{}, fmt.Errorf("send message: response has no message id")
	}
	return out.Message.ToDomain(), nil
}

// MarkRead marks messages from counterpartID as read. With no ids every
// unread message in the conversation is marked.
func (c *Client) MarkRead(ctx context.Context, counterpartID string, ids []string) error {
	body := transport.ReadPayload{CounterpartID: counterpartID, IDs: ids}
	path := "/api/conversations/" + url.PathEscape(counterpartID) + "/read"
	if err := c.do(ctx, http.MethodPost, path, nil, body, nil); err != nil {
		return fmt.Errorf("mark read %s: %w", counterpartID, err)
	}
	return nil
}

// Upload stores an attachment and returns its durable metadata.
func (c *Client) Upload(ctx context.Context, name, mimeType string, r io.Reader) (domain.FileMeta, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return domain.FileMeta{}, fmt.Errorf("create form part: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return domain.FileMeta{}, fmt.Errorf("copy file: %w", err)
	}
	if err := w.Close(); err != nil {
		return domain.FileMeta{}, fmt.Errorf("close multipart: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/uploads", nil, &buf)
	if err != nil {
		return domain.FileMeta{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var meta domain.FileMeta
	if err := c.send(req, &meta); err != nil {
		return domain.FileMeta{}, fmt.Errorf("upload %s: %w", name, err)
	}
	return meta, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, query, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
