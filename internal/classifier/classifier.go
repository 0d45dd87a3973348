// Package classifier submits message text to the remote invoice classifier
// and reports its verdict. Classification is best-effort: a failed call
// degrades the message, it never fails a fetch.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.io/infrasutra/mailscan/internal/fault"
)

// Verdict is the classifier's answer for one message. Details carries
// the extractor's structured field block verbatim when one was produced.
type Verdict struct {
	IsInvoice  bool
	Confidence float64
	Message    string
	Details    json.RawMessage
}

type request struct {
	Subject            string `json:"subject"`
	Body               string `json:"body"`
	AttachmentFilename string `json:"attachment_filename,omitempty"`
}

type response struct {
	Success    bool            `json:"success"`
	IsInvoice  bool            `json:"is_invoice"`
	Confidence float64         `json:"confidence"`
	Message    string          `json:"message"`
	Details    json.RawMessage `json:"details"`
}

// Client talks to the verification endpoint. The breaker stops hammering a
// classifier that is down; while it is open every message degrades
// immediately instead of waiting on timeouts.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

func New(baseURL string, logger *slog.Logger) *Client {
	settings := gobreaker.Settings{
		Name:    "classifier",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 20 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

// Classify submits subject, body and the first attachment filename. The
// error return is informational only; callers treat any error as a
// not-an-invoice verdict with no confidence.
func (c *Client) Classify(ctx context.Context, subject, body, attachmentFilename string) (Verdict, error) {
	payload, err := json.Marshal(request{
		Subject:            subject,
		Body:               body,
		AttachmentFilename: attachmentFilename,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("encode classify request: %w", err)
	}

	result, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/verify-invoice-email", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return nil, fmt.Errorf("classifier status %d", resp.StatusCode)
		}
		var decoded response
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return nil, fmt.Errorf("decode classifier response: %w", err)
		}
		return decoded, nil
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: classify: %v", fault.ErrUpstreamUnavailable, err)
	}

	decoded := result.(response)
	return Verdict{
		IsInvoice:  decoded.IsInvoice,
		Confidence: decoded.Confidence,
		Message:    decoded.Message,
		Details:    decoded.Details,
	}, nil
}
