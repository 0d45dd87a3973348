package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.io/infrasutra/mailscan/internal/blob"
	"github.io/infrasutra/mailscan/internal/classifier"
	"github.io/infrasutra/mailscan/internal/config"
	"github.io/infrasutra/mailscan/internal/mailbox"
	"github.io/infrasutra/mailscan/internal/mimetree"
	"github.io/infrasutra/mailscan/internal/oauthflow"
	"github.io/infrasutra/mailscan/internal/pipeline"
	"github.io/infrasutra/mailscan/internal/session"
	"github.io/infrasutra/mailscan/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeMailbox struct {
	mu            sync.Mutex
	messages      map[string]*mailbox.RawMessage
	removedLabels map[string][]string
}

func (m *fakeMailbox) ListRecentMessageIDs(ctx context.Context, maxResults int64, label string) ([]string, error) {
	ids := make([]string, 0, len(m.messages))
	for id := range m.messages {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *fakeMailbox) FetchFullMessage(ctx context.Context, id string) (*mailbox.RawMessage, error) {
	return m.messages[id], nil
}

func (m *fakeMailbox) FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	return []byte("%PDF-1.4 fake"), nil
}

func (m *fakeMailbox) RemoveLabels(ctx context.Context, id string, labels []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removedLabels == nil {
		m.removedLabels = map[string][]string{}
	}
	m.removedLabels[id] = append(m.removedLabels[id], labels...)
	return nil
}

type fakeClassifier struct {
	verdict classifier.Verdict
}

func (c *fakeClassifier) Classify(ctx context.Context, subject, body, attachmentFilename string) (classifier.Verdict, error) {
	return c.verdict, nil
}

type harness struct {
	server       *Server
	box          *fakeMailbox
	repo         *store.Store
	blobs        *blob.Store
	sessions     *session.MemoryStore
	refreshCalls *atomic.Int32
}

func newHarness(t *testing.T, verdict classifier.Verdict) *harness {
	t.Helper()
	logger := discardLogger()

	var refreshCalls atomic.Int32
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tokeninfo":
			switch r.URL.Query().Get("id_token") {
			case "bad":
				w.WriteHeader(http.StatusUnauthorized)
			case "noemail":
				json.NewEncoder(w).Encode(map[string]string{"sub": "sub-456"})
			default:
				json.NewEncoder(w).Encode(map[string]string{"sub": "sub-123", "email": "a@example.com"})
			}
		case "/token":
			r.ParseForm()
			w.Header().Set("Content-Type", "application/json")
			if r.PostFormValue("grant_type") == "refresh_token" {
				refreshCalls.Add(1)
				// A rotated refresh token is not guaranteed; respond
				// without one, as the provider commonly does.
				json.NewEncoder(w).Encode(map[string]any{
					"access_token": "at-new",
					"token_type":   "Bearer",
					"expires_in":   3600,
				})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "at-1",
				"refresh_token": "rt-1",
				"token_type":    "Bearer",
				"expires_in":    3600,
			})
		case "/revoke":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(provider.Close)

	repo, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}

	cookies, err := session.NewCookies("test-secret", session.DefaultMaxAge)
	if err != nil {
		t.Fatalf("cookies: %v", err)
	}
	sessions := session.NewMemoryStore()

	oauth := oauthflow.New(oauthflow.Options{
		ClientID:     "cid",
		ClientSecret: "cs",
		RedirectURL:  "http://localhost:5000/api/oauth2callback",
		TokenInfoURL: provider.URL + "/tokeninfo",
		RevokeURL:    provider.URL + "/revoke",
		Endpoint: oauth2.Endpoint{
			AuthURL:  provider.URL + "/auth",
			TokenURL: provider.URL + "/token",
		},
	}, logger)

	blobs := blob.NewStore(t.TempDir(), "/files", logger)
	pipe := pipeline.New(blobs, &fakeClassifier{verdict: verdict}, repo, 4, logger)

	box := &fakeMailbox{messages: map[string]*mailbox.RawMessage{
		"m1": {
			ID:       "m1",
			ThreadID: "t1",
			Snippet:  "pay up",
			LabelIDs: []string{"INBOX", "UNREAD"},
			Headers: []mimetree.Header{
				{Name: "Subject", Value: "Invoice #9"},
				{Name: "From", Value: `"Acme" <billing@acme.example>`},
				{Name: "Date", Value: "Fri, 29 Aug 2026 10:00:00 +0000"},
			},
			Payload: mimetree.Container{
				MIMEType: "multipart/mixed",
				Children: []mimetree.Part{
					mimetree.Leaf{MIMEType: "text/html", EncodedBody: mimetree.EncodeBody([]byte("<p>invoice attached</p>"))},
					mimetree.Leaf{MIMEType: "application/pdf", Filename: "invoice.pdf", AttachmentID: "a1", Size: 13},
				},
			},
		},
	}}

	cfg := config.Config{HTTPPort: 5000, MaxResults: 20, FetchConcurrency: 4}
	factory := func(ctx context.Context, ts oauth2.TokenSource) (Mailbox, error) {
		return box, nil
	}
	server := NewServer(cfg, repo, sessions, cookies, oauth, pipe, blobs, factory, logger)
	return &harness{
		server:       server,
		box:          box,
		repo:         repo,
		blobs:        blobs,
		sessions:     sessions,
		refreshCalls: &refreshCalls,
	}
}

// signIn drives login and the oauth callback, returning the session cookie.
func (h *harness) signIn(t *testing.T) *http.Cookie {
	t.Helper()
	return h.signInAs(t, "good", "a@example.com")
}

func (h *harness) signInAs(t *testing.T, credential, wantEmail string) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"credential":"`+credential+`"}`))
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}

	var login struct {
		Email   string `json:"email"`
		AuthURL string `json:"authUrl"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &login); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if login.Email != wantEmail || !strings.Contains(login.AuthURL, "state=") {
		t.Fatalf("login response = %+v", login)
	}

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Value != "" {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("no session cookie issued")
	}

	state := login.AuthURL[strings.Index(login.AuthURL, "state=")+len("state="):]
	if i := strings.Index(state, "&"); i >= 0 {
		state = state[:i]
	}
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/oauth2callback?code=c1&state="+state, nil)
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("callback status = %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "oauth-complete") {
		t.Fatal("callback page missing opener notification")
	}
	return cookie
}

func TestLoginRejectsBadCredential(t *testing.T) {
	h := newHarness(t, classifier.Verdict{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"credential":"bad"}`))
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestEmailsRequireSession(t *testing.T) {
	h := newHarness(t, classifier.Verdict{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/emails", nil)
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCallbackUnknownState(t *testing.T) {
	h := newHarness(t, classifier.Verdict{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/oauth2callback?code=c1&state=nope", nil)
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "expired") {
		t.Fatalf("page should explain the expired session: %s", rec.Body.String())
	}
}

func TestEmailsEndToEnd(t *testing.T) {
	details, _ := json.Marshal(map[string]any{
		"invoice_number": map[string]any{"value": "INV-9", "confidence": 0.9},
		"vendor_name":    map[string]any{"value": "Acme", "confidence": 0.9},
		"total_amount":   map[string]any{"value": "99.00", "confidence": 0.9},
	})
	h := newHarness(t, classifier.Verdict{IsInvoice: true, Confidence: 0.93, Details: details})
	cookie := h.signIn(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/emails?max=10", nil)
	req.AddCookie(cookie)
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("emails status = %d: %s", rec.Code, rec.Body.String())
	}

	var result pipeline.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode emails: %v", err)
	}
	if result.Total != 1 || len(result.Emails) != 1 {
		t.Fatalf("result = %+v", result)
	}
	e := result.Emails[0]
	if e.Subject != "Invoice #9" || !e.IsInvoice || e.InvoiceConfidence == nil {
		t.Fatalf("email = %+v", e)
	}
	if len(e.Attachments) != 1 || e.Attachments[0].URL == nil {
		t.Fatalf("attachments = %+v", e.Attachments)
	}
	if result.UnreadCount != 1 {
		t.Fatalf("unreadCount = %d", result.UnreadCount)
	}

	// Persisted invoice shows up in the reads.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/invoices", nil)
	req.AddCookie(cookie)
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("invoices status = %d", rec.Code)
	}
	var list struct {
		Invoices []json.RawMessage `json:"invoices"`
		Total    int               `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode invoices: %v", err)
	}
	if list.Total != 1 || len(list.Invoices) != 1 {
		t.Fatalf("invoices = %+v", list)
	}

	// The materialized attachment round-trips through /files.
	url := *e.Attachments[0].URL
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, url, nil)
	req.AddCookie(cookie)
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("file status = %d for %s", rec.Code, url)
	}
	if rec.Body.String() != "%PDF-1.4 fake" {
		t.Fatalf("file bytes = %q", rec.Body.String())
	}

	// Without a session the file is not served.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, url, nil)
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated file status = %d", rec.Code)
	}
}

func TestEmailsRefreshExpiredToken(t *testing.T) {
	h := newHarness(t, classifier.Verdict{})
	cookie := h.signIn(t)

	h.sessions.SetTokens("sub-123", session.TokenSet{
		AccessToken:  "at-stale",
		RefreshToken: "rt-1",
		Expiry:       time.Now().Add(-time.Minute),
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/emails", nil)
	req.AddCookie(cookie)
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("emails status = %d: %s", rec.Code, rec.Body.String())
	}

	if got := h.refreshCalls.Load(); got != 1 {
		t.Fatalf("token endpoint saw %d refresh grants, want 1", got)
	}
	tokens, ok := h.sessions.GetTokens("sub-123")
	if !ok {
		t.Fatal("token set gone after refresh")
	}
	if tokens.AccessToken != "at-new" {
		t.Fatalf("access token = %q, want at-new", tokens.AccessToken)
	}
	if tokens.RefreshToken != "rt-1" {
		t.Fatalf("refresh token = %q, want the stored one kept when the provider omits it", tokens.RefreshToken)
	}
	if !tokens.Expiry.After(time.Now()) {
		t.Fatalf("refreshed expiry %v still in the past", tokens.Expiry)
	}

	// The fresh set satisfies the next request without another grant.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/emails", nil)
	req.AddCookie(cookie)
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("second emails status = %d", rec.Code)
	}
	if got := h.refreshCalls.Load(); got != 1 {
		t.Fatalf("refresh grants after second request = %d, want still 1", got)
	}
}

func TestEmailsOwnerWithoutEmailUsesSubject(t *testing.T) {
	h := newHarness(t, classifier.Verdict{})
	cookie := h.signInAs(t, "noemail", "")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/emails", nil)
	req.AddCookie(cookie)
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("emails status = %d: %s", rec.Code, rec.Body.String())
	}

	var result pipeline.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode emails: %v", err)
	}
	if len(result.Emails) != 1 || len(result.Emails[0].Attachments) != 1 {
		t.Fatalf("result = %+v", result)
	}
	ref := result.Emails[0].Attachments[0]
	if ref.URL == nil || !strings.Contains(*ref.URL, "sub-456") {
		t.Fatalf("attachment URL = %v, want namespaced by the subject id", ref.URL)
	}
}

func TestMarkScanned(t *testing.T) {
	h := newHarness(t, classifier.Verdict{})
	cookie := h.signIn(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/emails/m1/scanned", nil)
	req.AddCookie(cookie)
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	h.box.mu.Lock()
	removed := h.box.removedLabels["m1"]
	h.box.mu.Unlock()
	if len(removed) != 1 || removed[0] != "UNREAD" {
		t.Fatalf("removed labels = %v", removed)
	}

	// Repeat is a no-op, not an error.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/emails/m1/scanned", nil)
	req.AddCookie(cookie)
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat status = %d", rec.Code)
	}
}

func TestDeleteProfile(t *testing.T) {
	details, _ := json.Marshal(map[string]any{
		"invoice_number": map[string]any{"value": "INV-9", "confidence": 0.9},
		"vendor_name":    map[string]any{"value": "Acme", "confidence": 0.9},
		"total_amount":   map[string]any{"value": "99.00", "confidence": 0.9},
	})
	h := newHarness(t, classifier.Verdict{IsInvoice: true, Confidence: 0.9, Details: details})
	cookie := h.signIn(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/emails", nil)
	req.AddCookie(cookie)
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("emails status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/api/profile", nil)
	req.AddCookie(cookie)
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/invoices", nil)
	req.AddCookie(cookie)
	h.server.ServeHTTP(rec, req)
	var list struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &list)
	if list.Total != 0 {
		t.Fatalf("invoices survived profile delete: %+v", list)
	}
}

func TestLogoutClearsSession(t *testing.T) {
	h := newHarness(t, classifier.Verdict{})
	cookie := h.signIn(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/logout", nil)
	req.AddCookie(cookie)
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/emails", nil)
	req.AddCookie(cookie)
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status after logout = %d, want 401", rec.Code)
	}
}

func TestInvoiceNotFound(t *testing.T) {
	h := newHarness(t, classifier.Verdict{})
	cookie := h.signIn(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/invoices/missing", nil)
	req.AddCookie(cookie)
	h.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t, classifier.Verdict{})
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}
}
