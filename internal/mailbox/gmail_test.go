package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.io/infrasutra/mailscan/internal/fault"
	"github.io/infrasutra/mailscan/internal/mimetree"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "nil", err: nil, want: nil},
		{name: "unauthorized maps to token expired", err: &googleapi.Error{Code: 401}, want: fault.ErrTokenExpired},
		{name: "rate limit is retryable", err: &googleapi.Error{Code: 429}, want: fault.ErrUpstreamUnavailable},
		{name: "server error is retryable", err: &googleapi.Error{Code: 503}, want: fault.ErrUpstreamUnavailable},
		{name: "not found stays itself", err: &googleapi.Error{Code: 404}, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if tt.want == nil {
				if tt.err == nil {
					if got != nil {
						t.Fatalf("got %v", got)
					}
					return
				}
				// Unmapped errors pass through unchanged.
				if !errors.Is(got, tt.err) {
					t.Fatalf("got %v, want passthrough of %v", got, tt.err)
				}
				if errors.Is(got, fault.ErrTokenExpired) || errors.Is(got, fault.ErrUpstreamUnavailable) {
					t.Fatalf("unexpected taxonomy mapping: %v", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func newStubClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	client, err := New(context.Background(), nil, logger,
		option.WithEndpoint(ts.URL+"/"),
		option.WithoutAuthentication(),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client
}

func TestListRecentMessageIDs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("maxResults"); got != "2" {
			t.Errorf("maxResults = %q", got)
		}
		if got := r.URL.Query().Get("labelIds"); got != "INBOX" {
			t.Errorf("labelIds = %q", got)
		}
		json.NewEncoder(w).Encode(&gmail.ListMessagesResponse{
			Messages: []*gmail.Message{{Id: "m1"}, {Id: "m2"}},
		})
	})

	client := newStubClient(t, mux)
	ids, err := client.ListRecentMessageIDs(context.Background(), 2, "INBOX")
	if err != nil {
		t.Fatalf("ListRecentMessageIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "m1" || ids[1] != "m2" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestFetchFullMessageBuildsPartTree(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&gmail.Message{
			Id:       "m1",
			ThreadId: "t1",
			Snippet:  "snippet",
			LabelIds: []string{"INBOX", "UNREAD"},
			Payload: &gmail.MessagePart{
				MimeType: "multipart/alternative",
				Headers: []*gmail.MessagePartHeader{
					{Name: "Subject", Value: "Invoice #1"},
					{Name: "From", Value: `"Acme" <billing@acme.example>`},
				},
				Parts: []*gmail.MessagePart{
					{
						MimeType: "text/html",
						Body:     &gmail.MessagePartBody{Data: mimetree.EncodeBody([]byte("<p>pay up</p>"))},
					},
				},
			},
		})
	})

	client := newStubClient(t, mux)
	msg, err := client.FetchFullMessage(context.Background(), "m1")
	if err != nil {
		t.Fatalf("FetchFullMessage: %v", err)
	}
	if msg.ID != "m1" || msg.ThreadID != "t1" {
		t.Fatalf("msg = %+v", msg)
	}
	if got := mimetree.ResolveBody(msg.Payload); got != "<p>pay up</p>" {
		t.Errorf("body = %q", got)
	}
	if got := mimetree.HeaderValue(msg.Headers, "subject"); got != "Invoice #1" {
		t.Errorf("subject = %q", got)
	}
}

func TestFetchAttachmentDecodes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages/m1/attachments/a1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(&gmail.MessagePartBody{
			Data: mimetree.EncodeBody([]byte("pdf-bytes")),
			Size: 9,
		})
	})

	client := newStubClient(t, mux)
	data, err := client.FetchAttachment(context.Background(), "m1", "a1")
	if err != nil {
		t.Fatalf("FetchAttachment: %v", err)
	}
	if string(data) != "pdf-bytes" {
		t.Fatalf("data = %q", data)
	}
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	attempts := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			http.Error(w, `{"error":{"code":503,"message":"backend"}}`, http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(&gmail.ListMessagesResponse{Messages: []*gmail.Message{{Id: "m1"}}})
	})

	client := newStubClient(t, mux)
	ids, err := client.ListRecentMessageIDs(context.Background(), 1, "")
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d", attempts)
	}
	if len(ids) != 1 {
		t.Fatalf("ids = %v", ids)
	}
}

func TestFetchDoesNotRetryAuthFailures(t *testing.T) {
	attempts := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, `{"error":{"code":401,"message":"invalid credentials"}}`, http.StatusUnauthorized)
	})

	client := newStubClient(t, mux)
	_, err := client.ListRecentMessageIDs(context.Background(), 1, "")
	if !errors.Is(err, fault.ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestOpenBreakerFailsFast(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"error":{"code":401,"message":"invalid credentials"}}`, http.StatusUnauthorized)
	})
	client := newStubClient(t, mux)

	// Six consecutive failures trip the breaker.
	for i := 0; i < 6; i++ {
		if _, err := client.ListRecentMessageIDs(context.Background(), 1, ""); !errors.Is(err, fault.ErrTokenExpired) {
			t.Fatalf("call %d: err = %v, want ErrTokenExpired", i, err)
		}
	}
	before := hits.Load()

	start := time.Now()
	_, err := client.ListRecentMessageIDs(context.Background(), 1, "")
	if !errors.Is(err, fault.ErrUpstreamUnavailable) {
		t.Fatalf("open breaker err = %v, want ErrUpstreamUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed >= retryBase {
		t.Fatalf("open breaker call took %v, must not back off", elapsed)
	}
	if got := hits.Load(); got != before {
		t.Fatalf("open breaker reached the provider %d more times", got-before)
	}
}
