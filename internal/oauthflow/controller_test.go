package oauthflow

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.io/infrasutra/mailscan/internal/fault"
	"github.io/infrasutra/mailscan/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func newTestController(tokenInfoURL, revokeURL string) *Controller {
	return New(Options{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost/cb",
		TokenInfoURL: tokenInfoURL,
		RevokeURL:    revokeURL,
	}, testLogger())
}

func TestVerifyCredential(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("id_token") {
		case "good":
			w.Write([]byte(`{"sub":"ext-123","email":"a@b.com"}`))
		case "nosub":
			w.Write([]byte(`{"email":"a@b.com"}`))
		default:
			http.Error(w, "invalid token", http.StatusBadRequest)
		}
	}))
	defer ts.Close()

	c := newTestController(ts.URL, ts.URL)

	tests := []struct {
		name       string
		credential string
		wantErr    bool
		wantID     string
	}{
		{name: "valid credential", credential: "good", wantID: "ext-123"},
		{name: "provider rejects", credential: "bad", wantErr: true},
		{name: "missing subject", credential: "nosub", wantErr: true},
		{name: "empty credential", credential: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := c.VerifyCredential(context.Background(), tt.credential)
			if tt.wantErr {
				if !errors.Is(err, fault.ErrInvalidCredential) {
					t.Fatalf("err = %v, want ErrInvalidCredential", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("VerifyCredential: %v", err)
			}
			if id.ExternalID != tt.wantID || id.Email != "a@b.com" {
				t.Fatalf("identity = %+v", id)
			}
		})
	}
}

func TestAuthURLCarriesStateAndOfflineAccess(t *testing.T) {
	c := newTestController("http://unused", "http://unused")
	raw := c.AuthURL("handle-42")

	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	q := parsed.Query()
	if q.Get("state") != "handle-42" {
		t.Fatalf("state = %q", q.Get("state"))
	}
	if q.Get("access_type") != "offline" {
		t.Fatalf("access_type = %q", q.Get("access_type"))
	}
	if !strings.Contains(q.Get("scope"), "gmail") {
		t.Fatalf("scope = %q", q.Get("scope"))
	}
}

func TestRevokeIsBestEffort(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer ts.Close()

	c := newTestController(ts.URL, ts.URL)
	// Must not panic or block; failure is swallowed.
	c.Revoke(context.Background(), session.TokenSet{RefreshToken: "rt"})
	c.Revoke(context.Background(), session.TokenSet{})
}
