// Package mailbox lists and retrieves full message payloads from the
// mailbox API on behalf of one authorized identity.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.io/infrasutra/mailscan/internal/fault"
	"github.io/infrasutra/mailscan/internal/mimetree"
)

const (
	retryAttempts = 3
	retryBase     = 500 * time.Millisecond
)

// Client wraps the provider mail service for a single authorized user. A
// shared circuit breaker fails calls fast while the provider is struggling
// instead of piling retries onto it.
type Client struct {
	svc     *gmail.Service
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker
}

// New builds a client from the user's token source. Extra options are for
// tests pointing the service at a stub endpoint.
func New(ctx context.Context, ts oauth2.TokenSource, logger *slog.Logger, extra ...option.ClientOption) (*Client, error) {
	var opts []option.ClientOption
	if ts != nil {
		opts = append(opts, option.WithTokenSource(ts))
	}
	opts = append(opts, extra...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create mail service: %w", err)
	}
	settings := gobreaker.Settings{
		Name:    "mailbox-api",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}
	return &Client{svc: svc, logger: logger, breaker: gobreaker.NewCircuitBreaker(settings)}, nil
}

// RawMessage is one full message payload plus the list metadata the caller
// renders from.
type RawMessage struct {
	ID       string
	ThreadID string
	Snippet  string
	LabelIDs []string
	Payload  mimetree.Part
	Headers  []mimetree.Header
	Raw      []byte
}

// ListRecentMessageIDs returns up to maxResults message ids in the given
// folder label, newest first.
func (c *Client) ListRecentMessageIDs(ctx context.Context, maxResults int64, label string) ([]string, error) {
	var resp *gmail.ListMessagesResponse
	err := c.do(ctx, func() error {
		req := c.svc.Users.Messages.List("me").MaxResults(maxResults)
		if label != "" {
			req = req.LabelIds(label)
		}
		var apiErr error
		resp, apiErr = req.Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	return ids, nil
}

// FetchFullMessage retrieves one message with its complete payload tree.
func (c *Client) FetchFullMessage(ctx context.Context, id string) (*RawMessage, error) {
	var msg *gmail.Message
	err := c.do(ctx, func() error {
		var apiErr error
		msg, apiErr = c.svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}

	raw := &RawMessage{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Snippet:  msg.Snippet,
		LabelIDs: msg.LabelIds,
	}
	switch {
	case msg.Payload != nil:
		raw.Payload = mimetree.FromGmail(msg.Payload)
		for _, h := range msg.Payload.Headers {
			raw.Headers = append(raw.Headers, mimetree.Header{Name: h.Name, Value: h.Value})
		}
	case msg.Raw != "":
		// Some responses carry the encoded RFC822 message instead of a
		// payload tree; fall back to parsing it ourselves.
		raw.Raw = mimetree.DecodeBody(msg.Raw)
		part, err := mimetree.ParseRaw(raw.Raw)
		if err != nil {
			return nil, fmt.Errorf("get message %s: %w", id, err)
		}
		raw.Payload = part
		if container, ok := part.(mimetree.Container); ok {
			raw.Headers = container.Headers
		}
	default:
		raw.Payload = mimetree.Leaf{}
	}
	return raw, nil
}

// FetchAttachment downloads and decodes one attachment body.
func (c *Client) FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	var body *gmail.MessagePartBody
	err := c.do(ctx, func() error {
		var apiErr error
		body, apiErr = c.svc.Users.Messages.Attachments.Get("me", messageID, attachmentID).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("get attachment %s/%s: %w", messageID, attachmentID, err)
	}
	data := mimetree.DecodeBody(body.Data)
	if len(data) == 0 && body.Data != "" {
		return nil, fmt.Errorf("decode attachment %s/%s", messageID, attachmentID)
	}
	return data, nil
}

// RemoveLabels strips labels from a message (the consumed modify contract,
// used to clear UNREAD when a mail is marked processed).
func (c *Client) RemoveLabels(ctx context.Context, id string, labels []string) error {
	err := c.do(ctx, func() error {
		_, apiErr := c.svc.Users.Messages.Modify("me", id, &gmail.ModifyMessageRequest{
			RemoveLabelIds: labels,
		}).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("modify message %s: %w", id, err)
	}
	return nil
}

// do runs one API call through the circuit breaker, retrying transient
// provider failures with capped exponential backoff.
func (c *Client) do(ctx context.Context, call func() error) error {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBase << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		_, err := c.breaker.Execute(func() (any, error) {
			return nil, call()
		})
		if err == nil {
			return nil
		}
		// An open breaker fails every call instantly until its timeout
		// elapses; sleeping between such calls buys nothing.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return MapError(err)
		}
		lastErr = MapError(err)
		if !fault.Retryable(lastErr) {
			return lastErr
		}
		c.logger.Warn("mailbox call failed, retrying", "attempt", attempt+1, "error", err)
	}
	return lastErr
}

// MapError translates provider errors into the pipeline taxonomy: 401 means
// the token is dead and the caller should re-auth, 429 and 5xx are
// retryable, anything else is fatal for that message only.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", fault.ErrUpstreamUnavailable, err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401:
			return fmt.Errorf("%w: %v", fault.ErrTokenExpired, err)
		case apiErr.Code == 429 || apiErr.Code >= 500:
			return fmt.Errorf("%w: %v", fault.ErrUpstreamUnavailable, err)
		}
	}
	return err
}
