// Package api is the server's HTTP surface: account and message endpoints
// plus the websocket upgrade path for signaling.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/parley-im/parley/internal/auth"
	"github.com/parley-im/parley/internal/proto"
	"github.com/parley-im/parley/internal/ratelimit"
	"github.com/parley-im/parley/internal/relay"
	"github.com/parley-im/parley/internal/store"
	"github.com/parley-im/parley/internal/util"
)

type Server struct {
	auth    *auth.Service
	db      *store.DB
	limiter *ratelimit.Limiter
	relay   *relay.Relay

	feedbackURL string
	httpc       *http.Client
}

func New(authSvc *auth.Service, db *store.DB, limiter *ratelimit.Limiter, rl *relay.Relay, feedbackURL string) *Server {
	return &Server{
		auth:        authSvc,
		db:          db,
		limiter:     limiter,
		relay:       rl,
		feedbackURL: feedbackURL,
		httpc:       &http.Client{Timeout: util.DefaultRequestTimeout},
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/users", s.handleCreateUser)
	mux.HandleFunc("PUT /api/users/self", s.withAuth(s.handleUpdateSelf))
	mux.HandleFunc("GET /api/users", s.withAuth(s.handleListUsers))
	mux.HandleFunc("POST /api/messages", s.withAuth(s.handleSendMessage))
	mux.HandleFunc("GET /api/messages", s.withAuth(s.handleConversation))
	mux.HandleFunc("POST /api/messages/{id}/read", s.withAuth(s.handleMarkRead))
	mux.HandleFunc("POST /api/feedback", s.withAuth(s.handleFeedback))
	mux.HandleFunc("GET /ws", s.relay.HandleWS)
	return mux
}

// withAuth resolves the bearer token to a user id before running next.
func (s *Server) withAuth(next func(w http.ResponseWriter, r *http.Request, userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := s.auth.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r, userID)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	user, err := s.db.UserByUsername(req.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := s.auth.IssueToken(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "issuing token failed")
		return
	}
	log.Printf("API: login %s", user.Username)
	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  user.Wire(),
	})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username    string `json:"username"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	if req.Username == "" || len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "username and a password of at least 8 characters are required")
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "hashing password failed")
		return
	}
	user, err := s.db.CreateUser(req.Username, req.DisplayName, hash)
	if err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			writeError(w, http.StatusConflict, "username already taken")
			return
		}
		writeError(w, http.StatusInternalServerError, "creating user failed")
		return
	}
	log.Printf("API: user created %s", user.Username)
	s.relay.NotifyUserAdded(user.Wire())
	writeJSON(w, http.StatusCreated, user.Wire())
}

func (s *Server) handleUpdateSelf(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		DisplayName string `json:"displayName"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	user, err := s.db.UpdateDisplayName(userID, req.DisplayName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	s.relay.NotifyUserUpdated(user.Wire())
	writeJSON(w, http.StatusOK, user.Wire())
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request, _ string) {
	users, err := s.db.ListUsers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing users failed")
		return
	}
	out := make([]*proto.User, len(users))
	for i, u := range users {
		out[i] = u.Wire()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		To   string `json:"to"`
		Body string `json:"body"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	if req.To == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, "recipient and body are required")
		return
	}
	if ok, retry := s.limiter.Check(userID); !ok {
		secs := int(retry.Round(time.Second) / time.Second)
		log.Printf("API: %s rate limited for %ds", userID, secs)
		writeError(w, http.StatusTooManyRequests,
			fmt.Sprintf("too many messages, try again in %ds", secs))
		return
	}
	if _, err := s.db.UserByID(req.To); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown recipient")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	msg, err := s.db.CreateMessage(userID, req.To, req.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storing message failed")
		return
	}
	s.relay.PushMessage(msg)
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request, userID string) {
	with := r.URL.Query().Get("with")
	if with == "" {
		writeError(w, http.StatusBadRequest, "missing with parameter")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	msgs, err := s.db.Conversation(userID, with, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading conversation failed")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, userID string) {
	messageID := r.PathValue("id")
	msg, err := s.db.MarkRead(messageID, userID)
	switch {
	case err == nil:
		s.relay.PushMessageRead(msg.SenderID, msg.ID)
		writeJSON(w, http.StatusOK, msg)
	case errors.Is(err, store.ErrAlreadyRead):
		// Idempotent: the stamp stands, no second notification.
		writeJSON(w, http.StatusOK, msg)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "no such message")
	default:
		writeError(w, http.StatusInternalServerError, "marking read failed")
	}
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request, userID string) {
	var req struct {
		Body string `json:"body"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Body == "" {
		writeError(w, http.StatusBadRequest, "feedback body is required")
		return
	}
	if s.feedbackURL == "" {
		log.Printf("API: feedback from %s: %s", userID, req.Body)
		writeJSON(w, http.StatusNoContent, nil)
		return
	}
	payload, _ := json.Marshal(map[string]string{"user": userID, "body": req.Body})
	resp, err := s.httpc.Post(s.feedbackURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Printf("API: forwarding feedback: %v", err)
		writeError(w, http.StatusBadGateway, "feedback delivery failed")
		return
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		writeError(w, http.StatusBadGateway, "feedback delivery failed")
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}
