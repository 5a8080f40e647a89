package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/chatcore/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a typed client of the daemon's Chat service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, req, res any) error {
	in := empty()
	if req != nil {
		st, err := toStruct(req)
		if err != nil {
			return err
		}
		in = st
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return err
	}
	if res == nil {
		return nil
	}
	return fromStruct(out, res)
}

func (c *Client) Diagnostics(ctx context.Context) (DiagnosticsView, error) {
	var v DiagnosticsView
	err := c.call(ctx, MethodDiagnostics, nil, &v)
	return v, err
}

func (c *Client) ListConversations(ctx context.Context) (ConversationsResult, error) {
	var v ConversationsResult
	err := c.call(ctx, MethodListConversations, nil, &v)
	return v, err
}

// SetActive selects a conversation and returns its first page.
func (c *Client) SetActive(ctx context.Context, counterpartID string) (MessagesResult, error) {
	var v MessagesResult
	err := c.call(ctx, MethodSetActive, counterpartRequest{CounterpartID: counterpartID}, &v)
	return v, err
}

func (c *Client) LoadMore(ctx context.Context) (PageView, error) {
	var v PageView
	err := c.call(ctx, MethodLoadMore, nil, &v)
	return v, err
}

// ListMessages returns the cached messages of a conversation; an empty
// counterpartID means the active one.
func (c *Client) ListMessages(ctx context.Context, counterpartID string) (MessagesResult, error) {
	var v MessagesResult
	err := c.call(ctx, MethodListMessages, counterpartRequest{CounterpartID: counterpartID}, &v)
	return v, err
}

func (c *Client) Send(ctx context.Context, content string, typ domain.MessageType, file *domain.FileMeta) (MessageView, error) {
	var v SendResult
	err := c.call(ctx, MethodSend, sendRequest{Content: content, Type: string(typ), File: file}, &v)
	return v.Message, err
}

// SendFile asks the daemon to upload the file at path and send it.
func (c *Client) SendFile(ctx context.Context, path, mimeType string) (MessageView, error) {
	var v SendResult
	err := c.call(ctx, MethodSendFile, sendFileRequest{Path: path, MIME: mimeType}, &v)
	return v.Message, err
}

func (c *Client) Retry(ctx context.Context, tempID string) (MessageView, error) {
	var v SendResult
	err := c.call(ctx, MethodRetry, retryRequest{TempID: tempID}, &v)
	return v.Message, err
}

func (c *Client) Typing(ctx context.Context) error {
	return c.call(ctx, MethodTyping, nil, nil)
}

func (c *Client) MarkRead(ctx context.Context, counterpartID string) error {
	return c.call(ctx, MethodMarkRead, counterpartRequest{CounterpartID: counterpartID}, nil)
}

func (c *Client) CallSignal(ctx context.Context, eventType, counterpartID string, data json.RawMessage) error {
	return c.call(ctx, MethodCallSignal, callRequest{Type: eventType, CounterpartID: counterpartID, Data: data}, nil)
}

func (c *Client) Reconnect(ctx context.Context) (DiagnosticsView, error) {
	var v DiagnosticsView
	err := c.call(ctx, MethodReconnect, nil, &v)
	return v, err
}

func (c *Client) Resume(ctx context.Context) (DiagnosticsView, error) {
	var v DiagnosticsView
	err := c.call(ctx, MethodResume, nil, &v)
	return v, err
}

func (c *Client) Login(ctx context.Context, identity, token string) (string, error) {
	var v LoginResult
	err := c.call(ctx, MethodLogin, loginRequest{Identity: identity, Token: token}, &v)
	return v.State, err
}

func (c *Client) Logout(ctx context.Context) error {
	return c.call(ctx, MethodLogout, nil, nil)
}

// Watch opens an event stream. fn is called for each event until it
// returns an error, ctx is done or the stream ends.
func (c *Client) Watch(ctx context.Context, namespace string, fn func(EventView) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod(MethodWatch))
	if err != nil {
		return fmt.Errorf("open watch: %w", err)
	}
	in, err := toStruct(watchRequest{Namespace: namespace})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return fmt.Errorf("send watch request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("close watch send: %w", err)
	}
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var evt EventView
		if err := fromStruct(out, &evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

// DecodePayload decodes the payload of a watched event.
func (e EventView) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// MessageChange is the payload of message.* events.
type MessageChange struct {
	Key     string      `json:"key"`
	TempID  string      `json:"tempId,omitempty"`
	Message MessageView `json:"message"`
}
