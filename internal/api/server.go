package api

import (
	"bytes"
	"crypto/subtle"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.io/infrasutra/inboxsync/internal/auth"
	"github.io/infrasutra/inboxsync/internal/decoder"
	"github.io/infrasutra/inboxsync/internal/pagination"
	"github.io/infrasutra/inboxsync/internal/sse"
	"github.io/infrasutra/inboxsync/internal/store"
	"github.io/infrasutra/inboxsync/internal/syncer"
	webassets "github.io/infrasutra/inboxsync/web"
)

const (
	listPreviewLength = 120
	pingInterval      = 20 * time.Second
)

// Dispatcher queues a background synchronization of an account.
type Dispatcher interface {
	Dispatch(accountID int64) (bool, error)
}

type Server struct {
	store      *store.Store
	auth       *auth.Manager
	hub        *sse.Hub
	dispatcher Dispatcher
	location   *time.Location
	logger     *slog.Logger
	mux        *http.ServeMux
	staticFS   fs.FS
	staticOK   bool
	now        func() time.Time
}

func NewServer(st *store.Store, authManager *auth.Manager, hub *sse.Hub, dispatcher Dispatcher, location *time.Location, logger *slog.Logger) *Server {
	staticFS, err := webassets.Dist()
	staticOK := err == nil
	if err != nil {
		logger.Warn("ui assets not embedded", "error", err)
	}
	if location == nil {
		location = time.UTC
	}
	server := &Server{
		store:      st,
		auth:       authManager,
		hub:        hub,
		dispatcher: dispatcher,
		location:   location,
		logger:     logger,
		staticFS:   staticFS,
		staticOK:   staticOK,
		now:        time.Now,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", server.handleLogin)
	mux.HandleFunc("/api/logout", server.handleLogout)
	mux.HandleFunc("/api/me", server.handleMe)
	mux.HandleFunc("/api/accounts", server.handleAccounts)
	mux.HandleFunc("/api/accounts/", server.handleAccount)
	mux.HandleFunc("/api/messages", server.handleMessages)
	mux.HandleFunc("/api/messages/", server.handleMessage)
	mux.HandleFunc("/api/refresh", server.handleRefresh)
	mux.HandleFunc("/api/stream", server.handleStream)
	server.mux = mux
	return server
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch p := r.URL.Path; {
	case strings.HasPrefix(p, "/api/"):
		s.mux.ServeHTTP(w, r)
	case p == "/health":
		s.handleHealth(w, r)
	case p == "/ready":
		s.handleReady(w, r)
	default:
		s.serveStatic(w, r)
	}
}

func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request) {
	if !s.staticOK {
		s.respondText(w, http.StatusNotFound, "UI not embedded.")
		return
	}

	cleaned := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
	if cleaned == "" {
		cleaned = "index.html"
	}
	if s.serveEmbeddedFile(w, r, cleaned) {
		return
	}
	if path.Ext(cleaned) != "" {
		http.NotFound(w, r)
		return
	}
	if s.serveEmbeddedFile(w, r, "index.html") {
		return
	}
	s.respondText(w, http.StatusNotFound, "UI not embedded.")
}

func (s *Server) serveEmbeddedFile(w http.ResponseWriter, r *http.Request, name string) bool {
	file, err := s.staticFS.Open(name)
	if err != nil {
		return false
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil || info.IsDir() {
		return false
	}

	if seeker, ok := file.(io.ReadSeeker); ok {
		http.ServeContent(w, r, info.Name(), info.ModTime(), seeker)
		return true
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return false
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), bytes.NewReader(data))
	return true
}

type loginRequest struct {
	AccountID int64  `json:"account_id"`
	Provider  string `json:"provider"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

// handleLogin binds the browser to an existing account, which requires its
// stored password, or registers a new one, then queues its first
// synchronization.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload loginRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	now := s.now()
	status := http.StatusOK
	var account store.Account
	if payload.AccountID > 0 {
		var err error
		account, err = s.store.GetAccount(r.Context(), payload.AccountID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "account not found", http.StatusNotFound)
				return
			}
			s.logger.Error("load account", "account_id", payload.AccountID, "error", err)
			http.Error(w, "unable to load account", http.StatusInternalServerError)
			return
		}
		if subtle.ConstantTimeCompare([]byte(payload.Password), []byte(account.Password)) != 1 {
			s.logger.Warn("login rejected", "account_id", account.ID)
			http.Error(w, "invalid password", http.StatusUnauthorized)
			return
		}
	} else {
		provider := strings.ToLower(strings.TrimSpace(payload.Provider))
		email, err := auth.NormalizeEmail(payload.Email)
		if provider == "" || err != nil || payload.Password == "" {
			http.Error(w, "choose an existing account or enter provider, email and password", http.StatusBadRequest)
			return
		}
		account, err = s.store.CreateAccount(r.Context(), provider, email, payload.Password, now)
		if err != nil {
			if errors.Is(err, store.ErrAccountExists) {
				http.Error(w, "account already exists", http.StatusConflict)
				return
			}
			s.logger.Error("create account", "email", email, "error", err)
			http.Error(w, "unable to save account", http.StatusInternalServerError)
			return
		}
		status = http.StatusCreated
		s.logger.Info("account registered", "account_id", account.ID, "provider", account.Provider)
	}

	token, err := s.auth.Issue(account.ID, now)
	if err != nil {
		http.Error(w, "unable to create session", http.StatusInternalServerError)
		return
	}
	s.setSessionCookie(w, token, now)
	s.dispatchSync(account.ID)
	s.respondJSON(w, status, toAccount(account))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, toAccount(account))
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	accounts, err := s.store.ListAccounts(r.Context())
	if err != nil {
		s.logger.Error("list accounts", "error", err)
		http.Error(w, "unable to list accounts", http.StatusInternalServerError)
		return
	}
	response := struct {
		Accounts []accountResponse `json:"accounts"`
	}{Accounts: make([]accountResponse, 0, len(accounts))}
	for _, account := range accounts {
		response.Accounts = append(response.Accounts, toAccount(account))
	}
	s.respondJSON(w, http.StatusOK, response)
}

// handleAccount deletes the session's own account with all its messages.
func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/api/accounts/"), 10, 64)
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	if id != account.ID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	deleted, err := s.store.DeleteAccount(r.Context(), id)
	if err != nil {
		s.logger.Error("delete account", "account_id", id, "error", err)
		http.Error(w, "unable to delete", http.StatusInternalServerError)
		return
	}
	if !deleted {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.logger.Info("account deleted", "account_id", id)
	s.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}
	params := pagination.Parse(r.URL.Query())
	messages, total, err := s.store.ListMessages(r.Context(), account.ID, params.ShowNew, params.Sort, params.Offset, params.Limit)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Error("list messages", "account_id", account.ID, "error", err)
		http.Error(w, "unable to list messages", http.StatusInternalServerError)
		return
	}

	response := struct {
		Messages   []messageSummary `json:"messages"`
		Page       int              `json:"page"`
		Limit      int              `json:"limit"`
		Total      int              `json:"total"`
		TotalPages int              `json:"totalPages"`
		HasNext    bool             `json:"hasNext"`
		ShowNew    bool             `json:"showNew"`
		Sort       string           `json:"sort"`
	}{
		Messages:   make([]messageSummary, 0, len(messages)),
		Page:       params.Page,
		Limit:      params.Limit,
		Total:      total,
		TotalPages: params.TotalPages(total),
		HasNext:    params.HasNext(total),
		ShowNew:    params.ShowNew,
		Sort:       params.Sort,
	}
	for _, msg := range messages {
		response.Messages = append(response.Messages, s.toSummary(msg))
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/messages/"), "/")
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return
	}

	switch {
	case len(parts) == 1:
		s.handleMessageDetail(w, r, account.ID, id)
	case len(parts) == 3 && parts[1] == "attachments":
		attachmentID, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			http.Error(w, "invalid attachment id", http.StatusBadRequest)
			return
		}
		s.handleAttachment(w, r, account.ID, id, attachmentID)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleMessageDetail(w http.ResponseWriter, r *http.Request, accountID, id int64) {
	message, attachments, err := s.store.GetMessage(r.Context(), accountID, id)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		s.logger.Error("load message", "account_id", accountID, "id", id, "error", err)
		http.Error(w, "unable to load message", http.StatusInternalServerError)
		return
	}

	detail := messageDetail{
		ID:          message.ID,
		Subject:     message.Subject,
		SendDate:    syncer.FormatDate(message.SendDate, s.location),
		ReceiveDate: syncer.FormatDate(message.ReceiveDate, s.location),
		Body:        message.Body,
		MessageID:   message.MessageID,
		UID:         message.UID,
		IsNew:       message.IsNew,
		Attachments: make([]attachmentSummary, 0, len(attachments)),
	}
	for _, attachment := range attachments {
		detail.Attachments = append(detail.Attachments, attachmentSummary{
			ID:          attachment.ID,
			Filename:    attachment.Filename,
			ContentType: attachment.ContentType,
			Size:        attachment.Size,
		})
	}
	s.respondJSON(w, http.StatusOK, detail)
}

func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request, accountID, messageID, attachmentID int64) {
	attachment, err := s.store.GetAttachment(r.Context(), accountID, attachmentID)
	if err == nil && attachment.MessageID != messageID {
		err = store.ErrNotFound
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		s.logger.Error("load attachment", "account_id", accountID, "attachment_id", attachmentID, "error", err)
		http.Error(w, "unable to load attachment", http.StatusInternalServerError)
		return
	}
	contentType := attachment.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", attachment.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(attachment.Data)
}

// handleRefresh marks the account's messages as seen and queues a new pass.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}
	cleared, err := s.store.ClearNewFlag(r.Context(), account.ID)
	if err != nil {
		s.logger.Error("clear new flag", "account_id", account.ID, "error", err)
		http.Error(w, "unable to refresh", http.StatusInternalServerError)
		return
	}
	queued := s.dispatchSync(account.ID)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"cleared": cleared,
		"queued":  queued,
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := s.hub.Subscribe(account.ID)
	defer unsubscribe()

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(payload)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) dispatchSync(accountID int64) bool {
	queued, err := s.dispatcher.Dispatch(accountID)
	if err != nil {
		s.logger.Warn("dispatch sync", "account_id", accountID, "error", err)
		return false
	}
	return queued
}

// requireAccount resolves the session cookie to its account, answering 401
// itself when there is none.
func (s *Server) requireAccount(w http.ResponseWriter, r *http.Request) (store.Account, bool) {
	account, err := s.sessionAccount(r)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		}
		return store.Account{}, false
	}
	return account, true
}

func (s *Server) sessionAccount(r *http.Request) (store.Account, error) {
	cookie, err := r.Cookie(s.auth.CookieName())
	if err != nil {
		return store.Account{}, auth.ErrMissingToken
	}
	accountID, err := s.auth.Parse(cookie.Value, s.now())
	if err != nil {
		return store.Account{}, err
	}
	return s.store.GetAccount(r.Context(), accountID)
}

func (s *Server) setSessionCookie(w http.ResponseWriter, value string, now time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.auth.CookieName(),
		Value:    value,
		Path:     "/",
		MaxAge:   int(s.auth.MaxAge().Seconds()),
		Expires:  now.Add(s.auth.MaxAge()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.auth.CookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondText(w, http.StatusOK, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		s.respondText(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	s.respondText(w, http.StatusOK, "ready")
}

func (s *Server) respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}

type accountResponse struct {
	ID       int64  `json:"id"`
	Provider string `json:"provider"`
	Email    string `json:"email"`
}

type messageSummary struct {
	ID             int64  `json:"id"`
	Subject        string `json:"subject"`
	SendDate       string `json:"send_date"`
	ReceiveDate    string `json:"receive_date"`
	Body           string `json:"body"`
	IsNew          bool   `json:"is_new"`
	HasAttachments bool   `json:"has_attachments"`
}

type messageDetail struct {
	ID          int64               `json:"id"`
	Subject     string              `json:"subject"`
	SendDate    string              `json:"send_date"`
	ReceiveDate string              `json:"receive_date"`
	Body        string              `json:"body"`
	MessageID   string              `json:"message_id"`
	UID         uint32              `json:"uid,omitempty"`
	IsNew       bool                `json:"is_new"`
	Attachments []attachmentSummary `json:"attachments"`
}

type attachmentSummary struct {
	ID          int64  `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

func toAccount(account store.Account) accountResponse {
	return accountResponse{ID: account.ID, Provider: account.Provider, Email: account.Email}
}

func (s *Server) toSummary(msg store.MessageSummary) messageSummary {
	return messageSummary{
		ID:             msg.ID,
		Subject:        msg.Subject,
		SendDate:       syncer.FormatDate(msg.SendDate, s.location),
		ReceiveDate:    syncer.FormatDate(msg.ReceiveDate, s.location),
		Body:           decoder.Preview(msg.Body, listPreviewLength),
		IsNew:          msg.IsNew,
		HasAttachments: msg.HasAttachments,
	}
}
