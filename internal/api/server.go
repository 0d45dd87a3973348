package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.io/infrasutra/mailscan/internal/blob"
	"github.io/infrasutra/mailscan/internal/config"
	"github.io/infrasutra/mailscan/internal/fault"
	"github.io/infrasutra/mailscan/internal/invoice"
	"github.io/infrasutra/mailscan/internal/mailbox"
	"github.io/infrasutra/mailscan/internal/oauthflow"
	"github.io/infrasutra/mailscan/internal/pagination"
	"github.io/infrasutra/mailscan/internal/pipeline"
	"github.io/infrasutra/mailscan/internal/session"
	"github.io/infrasutra/mailscan/internal/store"
)

// Mailbox is the per-request mailbox surface: the pipeline slice plus the
// label mutation used when a mail is marked scanned.
type Mailbox interface {
	pipeline.Mailbox
	RemoveLabels(ctx context.Context, id string, labels []string) error
}

// MailboxFactory builds a mailbox client bound to one identity's tokens.
type MailboxFactory func(ctx context.Context, ts oauth2.TokenSource) (Mailbox, error)

// DefaultMailboxFactory dials the real mailbox API.
func DefaultMailboxFactory(logger *slog.Logger) MailboxFactory {
	return func(ctx context.Context, ts oauth2.TokenSource) (Mailbox, error) {
		return mailbox.New(ctx, ts, logger)
	}
}

type Server struct {
	cfg        config.Config
	repo       *store.Store
	sessions   session.Store
	cookies    *session.Cookies
	oauth      *oauthflow.Controller
	pipe       *pipeline.Pipeline
	blobs      *blob.Store
	newMailbox MailboxFactory
	logger     *slog.Logger
	mux        *http.ServeMux
}

func NewServer(cfg config.Config, repo *store.Store, sessions session.Store, cookies *session.Cookies,
	oauth *oauthflow.Controller, pipe *pipeline.Pipeline, blobs *blob.Store,
	newMailbox MailboxFactory, logger *slog.Logger) *Server {
	server := &Server{
		cfg:        cfg,
		repo:       repo,
		sessions:   sessions,
		cookies:    cookies,
		oauth:      oauth,
		pipe:       pipe,
		blobs:      blobs,
		newMailbox: newMailbox,
		logger:     logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", server.handleLogin)
	mux.HandleFunc("/api/logout", server.handleLogout)
	mux.HandleFunc("/api/oauth2callback", server.handleCallback)
	mux.HandleFunc("/api/emails", server.handleEmails)
	mux.HandleFunc("/api/emails/", server.handleEmailScanned)
	mux.HandleFunc("/api/invoices", server.handleInvoices)
	mux.HandleFunc("/api/invoices/", server.handleInvoice)
	mux.HandleFunc("/api/profile", server.handleProfile)
	server.mux = mux
	return server
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	urlPath := r.URL.Path
	if strings.HasPrefix(urlPath, "/api/") {
		s.mux.ServeHTTP(w, r)
		return
	}
	if strings.HasPrefix(urlPath, "/files/") {
		s.handleFile(w, r)
		return
	}
	if urlPath == "/health" {
		s.respondText(w, http.StatusOK, "ok")
		return
	}
	http.NotFound(w, r)
}

// handleLogin verifies the provider credential, opens a session and hands
// back the authorization URL the client should open in a popup.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Credential string `json:"credential"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(payload.Credential) == "" {
		http.Error(w, "credential required", http.StatusBadRequest)
		return
	}

	identity, err := s.oauth.VerifyCredential(r.Context(), payload.Credential)
	if err != nil {
		s.logger.Warn("credential rejected", "error", err)
		http.Error(w, "invalid credential", http.StatusUnauthorized)
		return
	}

	sess, err := s.sessions.CreateSession(identity.ExternalID, identity.Email)
	if err != nil {
		http.Error(w, "unable to create session", http.StatusInternalServerError)
		return
	}
	s.cookies.Set(w, sess.Handle, time.Now())
	s.respondJSON(w, http.StatusOK, map[string]string{
		"email":   identity.Email,
		"authUrl": s.oauth.AuthURL(sess.Handle),
	})
}

// handleCallback is the provider redirect target. It renders HTML rather
// than JSON because the visitor is the popup window, not the app.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	if errCode := query.Get("error"); errCode != "" {
		s.respondHTML(w, http.StatusBadRequest, callbackErrorPage("Authorization was declined: "+errCode))
		return
	}
	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		s.respondHTML(w, http.StatusBadRequest, callbackErrorPage("The authorization response is missing its code or state."))
		return
	}

	sess, ok := s.sessions.LookupSession(state)
	if !ok {
		s.respondHTML(w, http.StatusUnauthorized, callbackErrorPage("Your sign-in session expired. Close this window and sign in again."))
		return
	}

	tokens, err := s.oauth.Exchange(r.Context(), code)
	if err != nil {
		s.logger.Error("code exchange failed", "error", err)
		s.respondHTML(w, http.StatusBadGateway, callbackErrorPage("The mail provider rejected the authorization. Close this window and try again."))
		return
	}
	s.sessions.SetTokens(sess.UserID, tokens)
	s.respondHTML(w, http.StatusOK, callbackSuccessPage)
}

// handleLogout revokes the provider grant best-effort and always clears
// local state.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if sess, err := s.sessionFrom(r); err == nil {
		if tokens, ok := s.sessions.GetTokens(sess.UserID); ok {
			s.oauth.Revoke(r.Context(), tokens)
		}
		s.sessions.DeleteTokens(sess.UserID)
		s.sessions.DeleteSession(sess.Handle)
	}
	s.cookies.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleEmails runs the fetch/classify pipeline over the most recent
// messages and renders the batch.
func (s *Server) handleEmails(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, err := s.sessionFrom(r)
	if err != nil {
		s.respondError(w, err)
		return
	}

	maxResults := int64(s.cfg.MaxResults)
	if raw := r.URL.Query().Get("max"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 1 {
			http.Error(w, "invalid max", http.StatusBadRequest)
			return
		}
		if parsed > 100 {
			parsed = 100
		}
		maxResults = parsed
	}
	label := r.URL.Query().Get("label")

	box, err := s.mailboxFor(r.Context(), sess)
	if err != nil {
		s.respondError(w, err)
		return
	}
	profileID := s.resolveProfile(r.Context(), sess)

	// Attachment storage is namespaced by owner; a provider that withholds
	// the email must not collapse every such user into one namespace.
	owner := sess.Email
	if owner == "" {
		owner = sess.UserID
	}
	result, err := s.pipe.Run(r.Context(), box, profileID, owner, maxResults, label)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// handleEmailScanned marks one mail processed and strips its UNREAD label
// upstream. The label call is best-effort.
func (s *Server) handleEmailScanned(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/emails/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "scanned" {
		http.NotFound(w, r)
		return
	}
	mailID := parts[0]

	sess, err := s.sessionFrom(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	profileID := s.resolveProfile(r.Context(), sess)
	if profileID == "" {
		http.Error(w, "unable to resolve profile", http.StatusInternalServerError)
		return
	}
	if err := s.repo.MarkScanned(r.Context(), profileID, mailID); err != nil {
		s.respondError(w, err)
		return
	}

	if box, err := s.mailboxFor(r.Context(), sess); err == nil {
		if err := box.RemoveLabels(r.Context(), mailID, []string{"UNREAD"}); err != nil {
			s.logger.Warn("remove unread label failed", "id", mailID, "error", err)
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleInvoices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, err := s.sessionFrom(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	profileID := s.resolveProfile(r.Context(), sess)

	params := pagination.FromQuery(r.URL.Query())
	invoices, total, err := s.repo.ListInvoices(r.Context(), profileID, params.Sort, params.Offset, params.Limit)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if invoices == nil {
		invoices = []invoice.Invoice{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"invoices": invoices,
		"total":    total,
		"page":     params.Page,
		"limit":    params.Limit,
		"hasNext":  params.HasNext(total),
	})
}

func (s *Server) handleInvoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/invoices/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	sess, err := s.sessionFrom(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	profileID := s.resolveProfile(r.Context(), sess)

	inv, err := s.repo.GetInvoice(r.Context(), profileID, id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, inv)
}

// handleProfile deletes the caller's profile and every record hanging off
// it. The session survives; a later fetch re-creates a clean profile.
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, err := s.sessionFrom(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	profileID := sess.ProfileID
	if profileID == "" {
		profileID = s.resolveProfile(r.Context(), sess)
	}
	if err := s.repo.DeleteProfile(r.Context(), profileID); err != nil {
		s.respondError(w, err)
		return
	}
	s.sessions.Update(sess.Handle, func(cur *session.Session) {
		cur.ProfileID = ""
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleFile serves materialized attachment bytes back out.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.sessionFrom(r); err != nil {
		s.respondError(w, err)
		return
	}
	relPath := strings.TrimPrefix(r.URL.Path, "/files/")
	data, err := s.blobs.Open(relPath)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", path.Base(relPath)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) sessionFrom(r *http.Request) (session.Session, error) {
	cookie, err := r.Cookie(s.cookies.Name())
	if err != nil {
		return session.Session{}, fault.ErrUnauthenticated
	}
	handle, err := s.cookies.Parse(cookie.Value, time.Now())
	if err != nil {
		return session.Session{}, fmt.Errorf("%w: %v", fault.ErrInvalidOrExpiredSession, err)
	}
	sess, ok := s.sessions.LookupSession(handle)
	if !ok {
		return session.Session{}, fault.ErrInvalidOrExpiredSession
	}
	return sess, nil
}

// mailboxFor builds a mailbox client over the caller's token set,
// refreshing expired access tokens first.
func (s *Server) mailboxFor(ctx context.Context, sess session.Session) (Mailbox, error) {
	tokens, ok := s.sessions.GetTokens(sess.UserID)
	if !ok {
		return nil, fmt.Errorf("%w: mailbox not connected", fault.ErrUnauthenticated)
	}
	if !tokens.Expiry.IsZero() && time.Now().After(tokens.Expiry) {
		refreshed, err := s.oauth.Refresh(ctx, tokens)
		if err != nil {
			return nil, err
		}
		s.sessions.SetTokens(sess.UserID, refreshed)
		tokens = refreshed
	}
	return s.newMailbox(ctx, s.oauth.TokenSource(ctx, tokens))
}

// resolveProfile returns the session's profile id, creating the profile
// and back-filling the session on first use. An empty return means the
// repository was unreachable; callers then skip persistence.
func (s *Server) resolveProfile(ctx context.Context, sess session.Session) string {
	if sess.ProfileID != "" {
		return sess.ProfileID
	}
	profile, err := s.repo.FindOrCreateProfile(ctx, sess.UserID, sess.Email)
	if err != nil {
		s.logger.Error("resolve profile", "error", err)
		return ""
	}
	s.sessions.Update(sess.Handle, func(cur *session.Session) {
		if cur.ProfileID == "" {
			cur.ProfileID = profile.ID
		}
	})
	return profile.ID
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fault.ErrUnauthenticated),
		errors.Is(err, fault.ErrTokenExpired),
		errors.Is(err, fault.ErrInvalidOrExpiredSession),
		errors.Is(err, fault.ErrInvalidCredential):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	case errors.Is(err, fault.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, fault.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, fault.ErrUpstreamUnavailable):
		http.Error(w, "mail provider unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}

func (s *Server) respondHTML(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}

const callbackSuccessPage = `<!DOCTYPE html>
<html>
<head><title>Connected</title></head>
<body>
<p>Mailbox connected. You can close this window.</p>
<script>
if (window.opener) {
  window.opener.postMessage({ type: "oauth-complete", success: true }, "*");
}
window.close();
</script>
</body>
</html>`

func callbackErrorPage(message string) string {
	return `<!DOCTYPE html>
<html>
<head><title>Sign-in failed</title></head>
<body>
<p>` + html.EscapeString(message) + `</p>
<script>
if (window.opener) {
  window.opener.postMessage({ type: "oauth-complete", success: false }, "*");
}
</script>
</body>
</html>`
}
