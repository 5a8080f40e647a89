package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/chat"
	"github.com/matheus3301/chatcore/internal/conn"
	"github.com/matheus3301/chatcore/internal/conversations"
	"github.com/matheus3301/chatcore/internal/domain"
	"github.com/matheus3301/chatcore/internal/messages"
	"github.com/matheus3301/chatcore/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Core is the part of the chat facade exposed over RPC.
type Core interface {
	Initialize(ctx context.Context, identity, token string) (status.State, error)
	Conversations() []domain.Conversation
	SetActiveConversation(ctx context.Context, counterpartID string) error
	Active() string
	LoadMoreMessages(ctx context.Context) (conversations.PageLoaded, error)
	Page(counterpartID string) conversations.PageState
	Messages(counterpartID string) []domain.Message
	SendMessage(ctx context.Context, content string, typ domain.MessageType, file *domain.FileMeta) (domain.Message, error)
	SendFile(ctx context.Context, name, mimeType string, r io.Reader) (domain.Message, error)
	RetryMessage(ctx context.Context, tempID string) (domain.Message, error)
	SendTyping(ctx context.Context) error
	Typing(counterpartID string) bool
	MarkRead(ctx context.Context, counterpartID string) error
	SendCallSignal(ctx context.Context, eventType, counterpartID string, data json.RawMessage) error
	Reconnect(ctx context.Context) error
	Resume(ctx context.Context) error
	Watch(namespace string) (<-chan bus.Event, func())
	Diagnostics() chat.Diagnostics
	Logout()
}

// Credentials persists the login of the profile.
type Credentials interface {
	Store(identity, token string) error
	Clear() error
}

// ChatService implements the Chat gRPC service over the facade.
type ChatService struct {
	core    Core
	creds   Credentials
	profile string
	started time.Time
	logger  *zap.Logger
}

var _ ChatServer = (*ChatService)(nil)

// NewChatService creates the RPC service. creds may be nil, in which case
// logins are not persisted.
func NewChatService(core Core, creds Credentials, profile string, logger *zap.Logger) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{
		core:    core,
		creds:   creds,
		profile: profile,
		started: time.Now(),
		logger:  logger.Named("api"),
	}
}

type counterpartRequest struct {
	CounterpartID string `json:"counterpartId"`
}

type sendRequest struct {
	Content string           `json:"content"`
	Type    string           `json:"type"`
	File    *domain.FileMeta `json:"file,omitempty"`
}

type sendFileRequest struct {
	Path string `json:"path"`
	MIME string `json:"mime"`
}

type retryRequest struct {
	TempID string `json:"tempId"`
}

type callRequest struct {
	Type          string          `json:"type"`
	CounterpartID string          `json:"counterpartId"`
	Data          json.RawMessage `json:"data,omitempty"`
}

type loginRequest struct {
	Identity string `json:"identity"`
	Token    string `json:"token"`
}

type watchRequest struct {
	Namespace string `json:"namespace"`
}

// MessagesResult is the response of ListMessages.
type MessagesResult struct {
	CounterpartID string        `json:"counterpartId"`
	Messages      []MessageView `json:"messages"`
	Page          int           `json:"page"`
	HasMore       bool          `json:"hasMore"`
	Loading       bool          `json:"loading"`
	Typing        bool          `json:"typing"`
}

// ConversationsResult is the response of ListConversations.
type ConversationsResult struct {
	Active        string             `json:"active,omitempty"`
	Conversations []ConversationView `json:"conversations"`
}

// SendResult is the response of Send, SendFile and Retry.
type SendResult struct {
	Message MessageView `json:"message"`
}

// LoginResult is the response of Login.
type LoginResult struct {
	State string `json:"state"`
}

func decode(in *structpb.Struct, v any) error {
	if err := fromStruct(in, v); err != nil {
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

func reply(v any) (*structpb.Struct, error) {
	st, err := toStruct(v)
	if err != nil {
		return nil, grpcstatus.Error(codes.Internal, err.Error())
	}
	return st, nil
}

func empty() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{}}
}

// toStatus maps core errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var sendErr *chat.SendError
	var authErr *conn.AuthError
	switch {
	case errors.Is(err, context.Canceled):
		return grpcstatus.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, chat.ErrNotInitialized), errors.Is(err, chat.ErrNoActiveConversation),
		errors.Is(err, conversations.ErrNoActive):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, chat.ErrNotConnected):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	case errors.Is(err, conversations.ErrLoadInFlight):
		return grpcstatus.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, messages.ErrNotFound):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.As(err, &authErr):
		return grpcstatus.Error(codes.Unauthenticated, err.Error())
	case errors.As(err, &sendErr):
		return grpcstatus.Error(codes.Aborted, err.Error())
	default:
		return grpcstatus.Error(codes.Internal, err.Error())
	}
}

func (s *ChatService) Diagnostics(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return reply(diagnosticsView(s.profile, time.Since(s.started), s.core.Diagnostics()))
}

func (s *ChatService) ListConversations(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	convs := s.core.Conversations()
	res := ConversationsResult{
		Active:        s.core.Active(),
		Conversations: make([]ConversationView, 0, len(convs)),
	}
	for _, c := range convs {
		res.Conversations = append(res.Conversations, conversationView(c, s.core.Typing(c.Counterpart.ID)))
	}
	return reply(res)
}

func (s *ChatService) SetActive(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req counterpartRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := s.core.SetActiveConversation(ctx, req.CounterpartID); err != nil {
		return nil, toStatus(err)
	}
	return s.messagesOf(req.CounterpartID)
}

func (s *ChatService) LoadMore(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	page, err := s.core.LoadMoreMessages(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(pageView(page))
}

func (s *ChatService) ListMessages(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req counterpartRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.CounterpartID == "" {
		req.CounterpartID = s.core.Active()
	}
	if req.CounterpartID == "" {
		return nil, toStatus(chat.ErrNoActiveConversation)
	}
	return s.messagesOf(req.CounterpartID)
}

func (s *ChatService) messagesOf(counterpartID string) (*structpb.Struct, error) {
	msgs := s.core.Messages(counterpartID)
	page := s.core.Page(counterpartID)
	res := MessagesResult{
		CounterpartID: counterpartID,
		Messages:      make([]MessageView, 0, len(msgs)),
		Page:          page.Page,
		HasMore:       page.HasMore,
		Loading:       page.Loading,
		Typing:        s.core.Typing(counterpartID),
	}
	for _, m := range msgs {
		res.Messages = append(res.Messages, messageView(m))
	}
	return reply(res)
}

func (s *ChatService) Send(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req sendRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	typ := domain.MessageType(req.Type)
	if typ == "" {
		typ = domain.TypeText
	}
	if !typ.Valid() {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "unknown message type %q", req.Type)
	}
	msg, err := s.core.SendMessage(ctx, req.Content, typ, req.File)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(SendResult{Message: messageView(msg)})
}

// SendFile uploads a file readable by the daemon and sends it to the
// active conversation.
func (s *ChatService) SendFile(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req sendFileRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.Path == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "path is required")
	}
	f, err := os.Open(req.Path)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "open %s: %v", req.Path, err)
	}
	defer func() { _ = f.Close() }()

	mimeType := req.MIME
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(req.Path))
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	msg, err := s.core.SendFile(ctx, filepath.Base(req.Path), mimeType, f)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(SendResult{Message: messageView(msg)})
}

func (s *ChatService) Retry(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req retryRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.TempID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "tempId is required")
	}
	msg, err := s.core.RetryMessage(ctx, req.TempID)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(SendResult{Message: messageView(msg)})
}

func (s *ChatService) Typing(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.core.SendTyping(ctx); err != nil {
		return nil, toStatus(err)
	}
	return empty(), nil
}

func (s *ChatService) MarkRead(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req counterpartRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.CounterpartID == "" {
		req.CounterpartID = s.core.Active()
	}
	if req.CounterpartID == "" {
		return nil, toStatus(chat.ErrNoActiveConversation)
	}
	if err := s.core.MarkRead(ctx, req.CounterpartID); err != nil {
		return nil, toStatus(err)
	}
	return empty(), nil
}

func (s *ChatService) CallSignal(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req callRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if err := s.core.SendCallSignal(ctx, req.Type, req.CounterpartID, req.Data); err != nil {
		return nil, toStatus(err)
	}
	return empty(), nil
}

func (s *ChatService) Reconnect(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.core.Reconnect(ctx); err != nil {
		return nil, toStatus(err)
	}
	return s.Diagnostics(ctx, nil)
}

func (s *ChatService) Resume(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.core.Resume(ctx); err != nil {
		return nil, toStatus(err)
	}
	return s.Diagnostics(ctx, nil)
}

// Login initializes the core with new credentials and persists them once
// the server accepted them.
func (s *ChatService) Login(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req loginRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if s.creds != nil {
		// The REST client reads the token from the credential store.
		if err := s.creds.Store(req.Identity, req.Token); err != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "store credentials: %v", err)
		}
	}
	state, err := s.core.Initialize(ctx, req.Identity, req.Token)
	if err != nil {
		var authErr *conn.AuthError
		if s.creds != nil && errors.As(err, &authErr) {
			_ = s.creds.Clear()
		}
		return nil, toStatus(err)
	}
	// A token-only login takes the identity from the token claims; persist
	// the one the core settled on so the next start can initialize.
	self := s.core.Diagnostics().Self
	if s.creds != nil && self != "" && self != req.Identity {
		if err := s.creds.Store(self, req.Token); err != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "store credentials: %v", err)
		}
	}
	s.logger.Info("logged in", zap.String("identity", self), zap.String("state", string(state)))
	return reply(LoginResult{State: string(state)})
}

func (s *ChatService) Logout(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.core.Logout()
	if s.creds != nil {
		if err := s.creds.Clear(); err != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "clear credentials: %v", err)
		}
	}
	s.logger.Info("logged out")
	return empty(), nil
}

// Watch streams facade events under the requested namespace until the
// client goes away or the core shuts down.
func (s *ChatService) Watch(in *structpb.Struct, stream grpc.ServerStream) error {
	var req watchRequest
	if err := decode(in, &req); err != nil {
		return err
	}
	ch, unsub := s.core.Watch(req.Namespace)
	defer unsub()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return grpcstatus.Error(codes.Unavailable, "core shut down")
			}
			out, err := s.eventStruct(evt)
			if err != nil {
				s.logger.Warn("skip unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *ChatService) eventStruct(evt bus.Event) (*structpb.Struct, error) {
	payload, err := eventPayload(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", evt.Kind, err)
	}
	return toStruct(EventView{
		ID:      uuid.New().String(),
		Kind:    evt.Kind,
		AtMs:    evt.Timestamp.UnixMilli(),
		Profile: s.profile,
		Payload: payload,
	})
}
