// Package devserver is a development messaging server speaking the REST and
// WebSocket contract the sync core expects. It persists to SQLite.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/matheus3301/chatcore/internal/conn"
	"github.com/matheus3301/chatcore/internal/domain"
	"github.com/matheus3301/chatcore/internal/rest"
	"github.com/matheus3301/chatcore/internal/store"
	"github.com/matheus3301/chatcore/internal/transport"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

const (
	maxContentLen = 4096
	maxUploadSize = 10 << 20
	maxPageSize   = 100
)

var (
	errBadRequest = errors.New("bad request")
	errNotFound   = errors.New("not found")
)

type ctxKey struct{}

// Server serves the REST API and the WebSocket hub.
type Server struct {
	cfg    Config
	db     *store.DB
	tokens *Tokens
	hub    *Hub
	logger *zap.Logger
	now    func() time.Time
}

// New creates a server on an already migrated database.
func New(cfg Config, db *store.DB, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		db:     db,
		tokens: NewTokens(cfg.Secret, cfg.TokenTTL),
		logger: logger,
		now:    time.Now,
	}
	s.hub = newHub(s, logger.Named("hub"))
	return s
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Content-Length"},
		MaxAge:           300,
		AllowCredentials: true,
	})
	return c.Handler(s.Router())
}

// Router configures the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/dev/token", s.handleIssueToken).Methods("POST")
	r.HandleFunc("/files/{id}", s.handleFile).Methods("GET")
	r.HandleFunc("/ws", s.hub.ServeWS).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/conversations", s.handleConversations).Methods("GET")
	api.HandleFunc("/conversations/{id}/messages", s.handleMessages).Methods("GET")
	api.HandleFunc("/conversations/{id}/read", s.handleRead).Methods("POST")
	api.HandleFunc("/messages", s.handleSend).Methods("POST")
	api.HandleFunc("/uploads", s.handleUpload).Methods("POST")
	api.HandleFunc("/matches", s.handleMatch).Methods("POST")

	return r
}

// Close disconnects every WebSocket client.
func (s *Server) Close() {
	s.hub.Close()
}

// bearer extracts the token from the Authorization header or, for browser
// WebSocket clients, the token query parameter.
func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.tokens.Verify(bearer(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

func userFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "online": s.hub.OnlineCount()})
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string `json:"userId"`
		DisplayName string `json:"displayName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !conn.ValidIdentity(req.UserID) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid user id %q", req.UserID))
		return
	}
	if err := s.db.UpsertUser(&store.User{ID: req.UserID, DisplayName: req.DisplayName}); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	token, err := s.tokens.Issue(req.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "userId": req.UserID})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	convs, err := s.db.ListConversations(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]rest.ConversationPayload, 0, len(convs))
	for _, c := range convs {
		p := rest.ConversationPayload{
			Counterpart: domain.User{ID: c.Counterpart.ID, DisplayName: c.Counterpart.DisplayName, AvatarURL: c.Counterpart.AvatarURL},
			UnreadCount: c.Unread,
			Online:      s.hub.Online(c.Counterpart.ID),
			CreatedAt:   time.UnixMilli(c.CreatedAt).UTC(),
		}
		if c.Last != nil {
			last := toPayload(*c.Last)
			p.LastMessage = &last
		}
		out = append(out, p)
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	counterpart := mux.Vars(r)["id"]
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > maxPageSize {
		limit = 20
	}
	msgs, err := s.db.ListMessages(user, counterpart, page, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	// Pages are selected newest first and returned oldest first.
	slices.Reverse(msgs)
	out := make([]transport.MessagePayload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toPayload(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	var req transport.ReadPayload
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	changed, err := s.markRead(userFrom(r), mux.Vars(r)["id"], req.IDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ids": changed})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var p transport.MessagePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	msg, created, err := s.persist(userFrom(r), p)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": toPayload(msg)})
	if created {
		s.hub.fanOut(msg)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	up := &store.Upload{
		ID:      uuid.NewString(),
		OwnerID: userFrom(r),
		Name:    header.Filename,
		MIME:    header.Header.Get("Content-Type"),
		Data:    data,
	}
	if err := s.db.SaveUpload(up); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, domain.FileMeta{Name: up.Name, Size: up.Size, MIME: up.MIME, URL: "/files/" + up.ID})
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	up, err := s.db.GetUpload(mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if up.MIME != "" {
		w.Header().Set("Content-Type", up.MIME)
	}
	w.Header().Set("Content-Length", strconv.FormatInt(up.Size, 10))
	_, _ = w.Write(up.Data)
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CounterpartID string `json:"counterpartId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user := userFrom(r)
	if !conn.ValidIdentity(req.CounterpartID) || req.CounterpartID == user {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid counterpart %q", req.CounterpartID))
		return
	}
	if err := s.db.Match(user, req.CounterpartID, s.now().UnixMilli()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// persist validates and stores a message sent by sender. A resend carrying
// an already stored temp id returns the stored message with created false.
func (s *Server) persist(sender string, p transport.MessagePayload) (store.Message, bool, error) {
	if p.RecipientID == "" || p.RecipientID == sender {
		return store.Message{}, false, fmt.Errorf("%w: invalid recipient %q", errBadRequest, p.RecipientID)
	}
	if p.SenderID != "" && p.SenderID != sender {
		return store.Message{}, false, fmt.Errorf("%w: sender mismatch", errBadRequest)
	}
	if strings.TrimSpace(p.Content) == "" && p.Metadata == nil {
		return store.Message{}, false, fmt.Errorf("%w: empty message", errBadRequest)
	}
	if len(p.Content) > maxContentLen {
		return store.Message{}, false, fmt.Errorf("%w: content exceeds %d bytes", errBadRequest, maxContentLen)
	}
	typ := p.Type
	if typ == "" {
		typ = string(domain.TypeText)
	}
	m := store.Message{
		ID:          "m_" + uuid.NewString(),
		TempID:      p.TempID,
		SenderID:    sender,
		RecipientID: p.RecipientID,
		Content:     p.Content,
		Type:        typ,
		Status:      string(domain.StatusSent),
		CreatedAt:   s.now().UnixMilli(),
	}
	if p.Metadata != nil {
		meta, err := json.Marshal(p.Metadata)
		if err != nil {
			return store.Message{}, false, err
		}
		m.Metadata = string(meta)
	}
	created, err := s.db.InsertMessage(&m)
	if err != nil {
		return store.Message{}, false, fmt.Errorf("persist message: %w", err)
	}
	return m, created, nil
}

// markRead marks messages from sender to reader read and tells the sender.
func (s *Server) markRead(reader, sender string, ids []string) ([]string, error) {
	changed, err := s.db.MarkRead(reader, sender, ids)
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	if len(changed) > 0 {
		s.hub.sendTo(sender, transport.EventMessageStatus, transport.StatusPayload{IDs: changed, Status: string(domain.StatusRead)})
	}
	return changed, nil
}

func toPayload(m store.Message) transport.MessagePayload {
	p := transport.MessagePayload{
		ID:          m.ID,
		TempID:      m.TempID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Content:     m.Content,
		Type:        m.Type,
		CreatedAt:   time.UnixMilli(m.CreatedAt).UTC(),
		Status:      m.Status,
	}
	if m.Metadata != "" {
		var meta domain.FileMeta
		if json.Unmarshal([]byte(m.Metadata), &meta) == nil {
			p.Metadata = &meta
		}
	}
	return p
}

func statusFor(err error) int {
	if errors.Is(err, errBadRequest) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
