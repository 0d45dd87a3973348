// Package pipeline runs the per-message fetch, resolve, materialize,
// classify and persist sequence over a listed batch of mailbox messages.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.io/infrasutra/mailscan/internal/blob"
	"github.io/infrasutra/mailscan/internal/classifier"
	"github.io/infrasutra/mailscan/internal/invoice"
	"github.io/infrasutra/mailscan/internal/mailbox"
	"github.io/infrasutra/mailscan/internal/mimetree"
	"github.io/infrasutra/mailscan/internal/store"
)

// Mailbox is the slice of the mailbox client the pipeline consumes.
type Mailbox interface {
	ListRecentMessageIDs(ctx context.Context, maxResults int64, label string) ([]string, error)
	FetchFullMessage(ctx context.Context, id string) (*mailbox.RawMessage, error)
	FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// Materializer persists attachment bytes and returns one ref per input.
type Materializer interface {
	Materialize(ctx context.Context, fetcher blob.Fetcher, owner, messageID string, atts []mimetree.Attachment) []blob.AttachmentRef
}

// Classifier yields an invoice verdict for one message's text.
type Classifier interface {
	Classify(ctx context.Context, subject, body, attachmentFilename string) (classifier.Verdict, error)
}

// Repository is the persistence slice used for confirmed invoices.
type Repository interface {
	UpsertMail(ctx context.Context, mail store.MailRecord) (store.MailRecord, error)
	UpsertInvoice(ctx context.Context, inv invoice.Invoice) (invoice.Invoice, error)
}

// Email is one rendered batch entry. A message whose fetch failed still
// yields an entry carrying its id, so a batch of N ids always produces
// N entries.
type Email struct {
	ID                string               `json:"id"`
	ThreadID          string               `json:"threadId"`
	Subject           string               `json:"subject"`
	From              string               `json:"from"`
	FromEmail         string               `json:"fromEmail"`
	To                string               `json:"to"`
	Date              string               `json:"date"`
	Snippet           string               `json:"snippet"`
	Body              string               `json:"body"`
	IsRead            bool                 `json:"isRead"`
	HasAttachments    bool                 `json:"hasAttachments"`
	Attachments       []blob.AttachmentRef `json:"attachments"`
	Labels            []string             `json:"labels"`
	IsInvoice         bool                 `json:"isInvoice"`
	InvoiceConfidence *float64             `json:"invoiceConfidence,omitempty"`
}

// Result is one completed batch.
type Result struct {
	Emails      []Email `json:"emails"`
	Total       int     `json:"total"`
	UnreadCount int     `json:"unreadCount"`
}

type Pipeline struct {
	materializer Materializer
	classifier   Classifier
	repo         Repository
	logger       *slog.Logger
	concurrency  int
}

func New(materializer Materializer, cls Classifier, repo Repository, concurrency int, logger *slog.Logger) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pipeline{
		materializer: materializer,
		classifier:   cls,
		repo:         repo,
		logger:       logger,
		concurrency:  concurrency,
	}
}

// Run lists up to maxResults message ids and processes them with bounded
// fan-out. Each message runs its stages sequentially; failures degrade
// that message only. After ctx cancellation no new message starts, but
// in-flight ones finish.
func (p *Pipeline) Run(ctx context.Context, box Mailbox, profileID, owner string, maxResults int64, label string) (Result, error) {
	ids, err := box.ListRecentMessageIDs(ctx, maxResults, label)
	if err != nil {
		return Result{}, err
	}

	emails := make([]Email, len(ids))
	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	for i, id := range ids {
		if ctx.Err() != nil {
			emails[i] = Email{ID: id, Attachments: []blob.AttachmentRef{}, Labels: []string{}}
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-sem }()
			emails[i] = p.processOne(ctx, box, profileID, owner, id)
		}(i, id)
	}
	wg.Wait()

	result := Result{Emails: emails, Total: len(emails)}
	for _, e := range emails {
		if !e.IsRead {
			result.UnreadCount++
		}
	}
	return result, nil
}

func (p *Pipeline) processOne(ctx context.Context, box Mailbox, profileID, owner, id string) Email {
	email := Email{ID: id, Attachments: []blob.AttachmentRef{}, Labels: []string{}}

	msg, err := box.FetchFullMessage(ctx, id)
	if err != nil {
		p.logger.Warn("fetch message failed", "id", id, "error", err)
		return email
	}

	email.ThreadID = msg.ThreadID
	email.Snippet = msg.Snippet
	if msg.LabelIDs != nil {
		email.Labels = msg.LabelIDs
	}
	email.IsRead = true
	for _, l := range msg.LabelIDs {
		if l == "UNREAD" {
			email.IsRead = false
		}
	}

	email.Subject = mimetree.HeaderValue(msg.Headers, "Subject")
	email.To = mimetree.HeaderValue(msg.Headers, "To")
	email.Date = mimetree.HeaderValue(msg.Headers, "Date")
	from := mimetree.ParseFrom(mimetree.HeaderValue(msg.Headers, "From"))
	email.From = from.DisplayName
	email.FromEmail = from.Address

	if msg.Payload != nil {
		email.Body = mimetree.ResolveBody(msg.Payload)
		atts := mimetree.Attachments(msg.Payload)
		email.HasAttachments = len(atts) > 0
		if len(atts) > 0 {
			email.Attachments = p.materializer.Materialize(ctx, box, owner, id, atts)
		}
	}

	firstAttachment := ""
	if len(email.Attachments) > 0 {
		firstAttachment = email.Attachments[0].Filename
	}
	verdict, err := p.classifier.Classify(ctx, email.Subject, email.Body, firstAttachment)
	if err != nil {
		p.logger.Warn("classify failed", "id", id, "error", err)
		return email
	}

	email.IsInvoice = verdict.IsInvoice
	confidence := verdict.Confidence
	email.InvoiceConfidence = &confidence
	if verdict.IsInvoice && profileID != "" {
		p.persist(ctx, profileID, email, verdict)
	}
	return email
}

// persist writes the confirmed invoice mail. A storage failure is logged
// and the already-classified entry is returned to the caller untouched.
func (p *Pipeline) persist(ctx context.Context, profileID string, email Email, verdict classifier.Verdict) {
	attachments := make([]store.MailAttachment, 0, len(email.Attachments))
	for _, ref := range email.Attachments {
		attachments = append(attachments, store.MailAttachment{
			Filename: ref.Filename,
			MimeType: ref.MimeType,
			Size:     ref.Size,
			URL:      ref.URL,
		})
	}
	saved, err := p.repo.UpsertMail(ctx, store.MailRecord{
		ProfileID:         profileID,
		ExternalMessageID: email.ID,
		ThreadID:          email.ThreadID,
		Subject:           email.Subject,
		FromName:          email.From,
		FromEmail:         email.FromEmail,
		To:                email.To,
		Date:              email.Date,
		Snippet:           email.Snippet,
		Body:              email.Body,
		IsRead:            email.IsRead,
		HasAttachments:    email.HasAttachments,
		InvoiceConfidence: email.InvoiceConfidence,
		Attachments:       attachments,
	})
	if err != nil {
		p.logger.Warn("persist mail failed", "id", email.ID, "error", err)
		return
	}

	inv, ok := decodeInvoice(verdict.Details)
	if !ok {
		return
	}
	inv.ProfileID = profileID
	inv.MailID = saved.ID
	inv.FlagReview()
	if _, err := p.repo.UpsertInvoice(ctx, inv); err != nil {
		p.logger.Warn("persist invoice failed", "id", email.ID, "error", err)
	}
}

// decodeInvoice pulls the structured field block out of the classifier's
// details payload, when the extractor produced one.
func decodeInvoice(details json.RawMessage) (invoice.Invoice, bool) {
	if len(details) == 0 {
		return invoice.Invoice{}, false
	}
	var fields struct {
		InvoiceNumber *invoice.Field `json:"invoice_number"`
		VendorName    *invoice.Field `json:"vendor_name"`
		InvoiceDate   *invoice.Field `json:"invoice_date"`
		TotalAmount   *invoice.Field `json:"total_amount"`
		Currency      *invoice.Field `json:"currency"`
		PurchaseOrder *invoice.Field `json:"purchase_order"`
		DueDate       *invoice.Field `json:"due_date"`
		GSTNumber     *invoice.Field `json:"gst_number"`
		TaxAmount     *invoice.Field `json:"tax_amount"`
	}
	if err := json.Unmarshal(details, &fields); err != nil {
		return invoice.Invoice{}, false
	}
	if fields.InvoiceNumber == nil && fields.VendorName == nil && fields.TotalAmount == nil {
		return invoice.Invoice{}, false
	}

	var inv invoice.Invoice
	assign := func(dst *invoice.Field, src *invoice.Field) {
		if src != nil {
			*dst = *src
		}
	}
	assign(&inv.InvoiceNumber, fields.InvoiceNumber)
	assign(&inv.VendorName, fields.VendorName)
	assign(&inv.InvoiceDate, fields.InvoiceDate)
	assign(&inv.TotalAmount, fields.TotalAmount)
	assign(&inv.Currency, fields.Currency)
	assign(&inv.PurchaseOrder, fields.PurchaseOrder)
	assign(&inv.DueDate, fields.DueDate)
	assign(&inv.GSTNumber, fields.GSTNumber)
	assign(&inv.TaxAmount, fields.TaxAmount)
	return inv, true
}
