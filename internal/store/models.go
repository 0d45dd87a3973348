package store

import "time"

// Profile is one connected mailbox owner, keyed by the identity
// provider's stable subject id.
type Profile struct {
	ID                 string    `json:"id"`
	ExternalIdentityID string    `json:"externalIdentityId"`
	Email              string    `json:"email"`
	CreatedAt          time.Time `json:"createdAt"`
}

// MailRecord is a persisted mail classified as an invoice. A profile
// holds at most one record per external message id; re-persisting the
// same message updates the row in place.
type MailRecord struct {
	ID                string           `json:"id"`
	ProfileID         string           `json:"profileId"`
	ExternalMessageID string           `json:"externalMessageId"`
	ThreadID          string           `json:"threadId"`
	Subject           string           `json:"subject"`
	FromName          string           `json:"from"`
	FromEmail         string           `json:"fromEmail"`
	To                string           `json:"to"`
	Date              string           `json:"date"`
	Snippet           string           `json:"snippet"`
	Body              string           `json:"body"`
	IsRead            bool             `json:"isRead"`
	HasAttachments    bool             `json:"hasAttachments"`
	InvoiceConfidence *float64         `json:"invoiceConfidence,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
	Attachments       []MailAttachment `json:"attachments"`
}

// MailAttachment is the stored reference to one materialized attachment.
// URL is nil when materialization failed and only metadata survived.
type MailAttachment struct {
	Filename string  `json:"filename"`
	MimeType string  `json:"mimeType"`
	Size     int64   `json:"size"`
	URL      *string `json:"url,omitempty"`
}
