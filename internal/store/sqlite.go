// Package store is the sqlite-backed repository for profiles, persisted
// invoice mail and the scanned-mail ledger.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.io/infrasutra/mailscan/internal/fault"
	"github.io/infrasutra/mailscan/internal/invoice"
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
            id TEXT PRIMARY KEY,
            external_identity_id TEXT NOT NULL UNIQUE,
            email TEXT NOT NULL,
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS mails (
            id TEXT PRIMARY KEY,
            profile_id TEXT NOT NULL,
            external_message_id TEXT NOT NULL,
            thread_id TEXT NOT NULL,
            subject TEXT NOT NULL,
            from_name TEXT NOT NULL,
            from_email TEXT NOT NULL,
            to_email TEXT NOT NULL,
            date TEXT NOT NULL,
            snippet TEXT,
            body TEXT,
            is_read INTEGER NOT NULL,
            has_attachments INTEGER NOT NULL,
            invoice_confidence REAL,
            created_at INTEGER NOT NULL,
            UNIQUE(profile_id, external_message_id),
            FOREIGN KEY(profile_id) REFERENCES profiles(id) ON DELETE CASCADE
        );`,
		`CREATE TABLE IF NOT EXISTS mail_attachments (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            mail_id TEXT NOT NULL,
            filename TEXT NOT NULL,
            mime_type TEXT NOT NULL,
            size INTEGER NOT NULL,
            url TEXT,
            FOREIGN KEY(mail_id) REFERENCES mails(id) ON DELETE CASCADE
        );`,
		`CREATE TABLE IF NOT EXISTS scanned_mails (
            profile_id TEXT NOT NULL,
            mail_id TEXT NOT NULL,
            scanned_at INTEGER NOT NULL,
            PRIMARY KEY(profile_id, mail_id),
            FOREIGN KEY(profile_id) REFERENCES profiles(id) ON DELETE CASCADE
        );`,
		`CREATE TABLE IF NOT EXISTS invoices (
            id TEXT PRIMARY KEY,
            profile_id TEXT NOT NULL,
            mail_id TEXT NOT NULL,
            fields TEXT NOT NULL,
            needs_review INTEGER NOT NULL,
            gst_valid INTEGER NOT NULL,
            created_at INTEGER NOT NULL,
            UNIQUE(profile_id, mail_id),
            FOREIGN KEY(profile_id) REFERENCES profiles(id) ON DELETE CASCADE
        );`,
		`CREATE INDEX IF NOT EXISTS idx_mails_profile ON mails(profile_id);`,
		`CREATE INDEX IF NOT EXISTS idx_mails_profile_created ON mails(profile_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_mail_attachments_mail ON mail_attachments(mail_id);`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_profile_created ON invoices(profile_id, created_at);`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// FindOrCreateProfile resolves the profile for an external identity,
// creating it on first sight. Concurrent calls for the same identity
// converge on one row.
func (s *Store) FindOrCreateProfile(ctx context.Context, externalID, email string) (Profile, error) {
	if strings.TrimSpace(externalID) == "" {
		return Profile{}, fmt.Errorf("%w: external identity id is required", fault.ErrValidation)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO profiles (id, external_identity_id, email, created_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(external_identity_id) DO NOTHING;`,
		uuid.NewString(), externalID, email, time.Now().Unix())
	if err != nil {
		return Profile{}, fmt.Errorf("create profile: %w", err)
	}

	var profile Profile
	var createdAt int64
	row := s.db.QueryRowContext(ctx, `SELECT id, external_identity_id, email, created_at
        FROM profiles WHERE external_identity_id = ?;`, externalID)
	if err := row.Scan(&profile.ID, &profile.ExternalIdentityID, &profile.Email, &createdAt); err != nil {
		return Profile{}, fmt.Errorf("find profile: %w", err)
	}
	profile.CreatedAt = time.Unix(createdAt, 0)
	return profile, nil
}

func (s *Store) GetProfile(ctx context.Context, id string) (Profile, error) {
	var profile Profile
	var createdAt int64
	row := s.db.QueryRowContext(ctx, `SELECT id, external_identity_id, email, created_at
        FROM profiles WHERE id = ?;`, id)
	if err := row.Scan(&profile.ID, &profile.ExternalIdentityID, &profile.Email, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, fmt.Errorf("%w: profile %s", fault.ErrNotFound, id)
		}
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	profile.CreatedAt = time.Unix(createdAt, 0)
	return profile, nil
}

// DeleteProfile removes a profile and everything hanging off it. Scanned
// marks held by OTHER profiles for this profile's mail ids are purged
// too, so a re-created profile starts clean.
func (s *Store) DeleteProfile(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `DELETE FROM scanned_mails
        WHERE mail_id IN (SELECT external_message_id FROM mails WHERE profile_id = ?);`, id)
	if err != nil {
		return fmt.Errorf("purge scanned mails: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: profile %s", fault.ErrNotFound, id)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit profile delete: %w", err)
	}
	return nil
}

// UpsertMail persists one classified mail for a profile. A second call
// with the same (profile, external message id) updates the existing row
// and keeps its id stable. Attachment rows are replaced wholesale.
func (s *Store) UpsertMail(ctx context.Context, mail MailRecord) (MailRecord, error) {
	if mail.ProfileID == "" || mail.ExternalMessageID == "" {
		return MailRecord{}, fmt.Errorf("%w: profile id and external message id are required", fault.ErrValidation)
	}
	if mail.ID == "" {
		mail.ID = uuid.NewString()
	}
	if mail.CreatedAt.IsZero() {
		mail.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MailRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO mails
        (id, profile_id, external_message_id, thread_id, subject, from_name, from_email, to_email,
         date, snippet, body, is_read, has_attachments, invoice_confidence, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(profile_id, external_message_id) DO UPDATE SET
            thread_id = excluded.thread_id,
            subject = excluded.subject,
            from_name = excluded.from_name,
            from_email = excluded.from_email,
            to_email = excluded.to_email,
            date = excluded.date,
            snippet = excluded.snippet,
            body = excluded.body,
            is_read = excluded.is_read,
            has_attachments = excluded.has_attachments,
            invoice_confidence = excluded.invoice_confidence;`,
		mail.ID,
		mail.ProfileID,
		mail.ExternalMessageID,
		mail.ThreadID,
		mail.Subject,
		mail.FromName,
		mail.FromEmail,
		mail.To,
		mail.Date,
		mail.Snippet,
		mail.Body,
		mail.IsRead,
		mail.HasAttachments,
		mail.InvoiceConfidence,
		mail.CreatedAt.Unix(),
	)
	if err != nil {
		return MailRecord{}, fmt.Errorf("upsert mail: %w", err)
	}

	var canonicalID string
	var createdAt int64
	row := tx.QueryRowContext(ctx, `SELECT id, created_at FROM mails
        WHERE profile_id = ? AND external_message_id = ?;`, mail.ProfileID, mail.ExternalMessageID)
	if err := row.Scan(&canonicalID, &createdAt); err != nil {
		return MailRecord{}, fmt.Errorf("resolve mail id: %w", err)
	}
	mail.ID = canonicalID
	mail.CreatedAt = time.Unix(createdAt, 0)

	if _, err := tx.ExecContext(ctx, `DELETE FROM mail_attachments WHERE mail_id = ?;`, canonicalID); err != nil {
		return MailRecord{}, fmt.Errorf("clear attachments: %w", err)
	}
	for _, attachment := range mail.Attachments {
		_, err = tx.ExecContext(ctx, `INSERT INTO mail_attachments (mail_id, filename, mime_type, size, url)
            VALUES (?, ?, ?, ?, ?);`,
			canonicalID, attachment.Filename, attachment.MimeType, attachment.Size, attachment.URL)
		if err != nil {
			return MailRecord{}, fmt.Errorf("insert attachment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return MailRecord{}, fmt.Errorf("commit mail: %w", err)
	}
	return mail, nil
}

func (s *Store) GetMail(ctx context.Context, profileID, id string) (MailRecord, error) {
	var mail MailRecord
	var createdAt int64
	row := s.db.QueryRowContext(ctx, `SELECT id, profile_id, external_message_id, thread_id, subject,
        from_name, from_email, to_email, date, snippet, body, is_read, has_attachments, invoice_confidence, created_at
        FROM mails WHERE id = ? AND profile_id = ?;`, id, profileID)
	if err := row.Scan(
		&mail.ID,
		&mail.ProfileID,
		&mail.ExternalMessageID,
		&mail.ThreadID,
		&mail.Subject,
		&mail.FromName,
		&mail.FromEmail,
		&mail.To,
		&mail.Date,
		&mail.Snippet,
		&mail.Body,
		&mail.IsRead,
		&mail.HasAttachments,
		&mail.InvoiceConfidence,
		&createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MailRecord{}, fmt.Errorf("%w: mail %s", fault.ErrNotFound, id)
		}
		return MailRecord{}, fmt.Errorf("get mail: %w", err)
	}
	mail.CreatedAt = time.Unix(createdAt, 0)

	attachments, err := s.getAttachments(ctx, mail.ID)
	if err != nil {
		return MailRecord{}, err
	}
	mail.Attachments = attachments
	return mail, nil
}

func (s *Store) getAttachments(ctx context.Context, mailID string) ([]MailAttachment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT filename, mime_type, size, url
        FROM mail_attachments WHERE mail_id = ? ORDER BY id;`, mailID)
	if err != nil {
		return nil, fmt.Errorf("get attachments: %w", err)
	}
	defer rows.Close()

	var attachments []MailAttachment
	for rows.Next() {
		var attachment MailAttachment
		if err := rows.Scan(&attachment.Filename, &attachment.MimeType, &attachment.Size, &attachment.URL); err != nil {
			return nil, fmt.Errorf("get attachments: %w", err)
		}
		attachments = append(attachments, attachment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get attachments: %w", err)
	}
	return attachments, nil
}

// MarkScanned records that a profile has processed a mail. Repeats are
// no-ops.
func (s *Store) MarkScanned(ctx context.Context, profileID, mailID string) error {
	if profileID == "" || mailID == "" {
		return fmt.Errorf("%w: profile id and mail id are required", fault.ErrValidation)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO scanned_mails (profile_id, mail_id, scanned_at)
        VALUES (?, ?, ?)
        ON CONFLICT(profile_id, mail_id) DO NOTHING;`,
		profileID, mailID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("mark scanned: %w", err)
	}
	return nil
}

// ScannedSet returns the external mail ids this profile has already
// processed.
func (s *Store) ScannedSet(ctx context.Context, profileID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT mail_id FROM scanned_mails WHERE profile_id = ?;`, profileID)
	if err != nil {
		return nil, fmt.Errorf("list scanned: %w", err)
	}
	defer rows.Close()

	scanned := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list scanned: %w", err)
		}
		scanned[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list scanned: %w", err)
	}
	return scanned, nil
}

// invoiceFields is the persisted shape of the extracted field block.
type invoiceFields struct {
	InvoiceNumber invoice.Field `json:"invoice_number"`
	VendorName    invoice.Field `json:"vendor_name"`
	InvoiceDate   invoice.Field `json:"invoice_date"`
	TotalAmount   invoice.Field `json:"total_amount"`
	Currency      invoice.Field `json:"currency"`
	PurchaseOrder invoice.Field `json:"purchase_order"`
	DueDate       invoice.Field `json:"due_date"`
	GSTNumber     invoice.Field `json:"gst_number"`
	TaxAmount     invoice.Field `json:"tax_amount"`
}

// UpsertInvoice persists the structured record for a mail; one invoice
// per (profile, mail). The record's id stays stable across repeats.
func (s *Store) UpsertInvoice(ctx context.Context, inv invoice.Invoice) (invoice.Invoice, error) {
	if inv.ProfileID == "" || inv.MailID == "" {
		return invoice.Invoice{}, fmt.Errorf("%w: profile id and mail id are required", fault.ErrValidation)
	}
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now()
	}

	fields, err := json.Marshal(invoiceFields{
		InvoiceNumber: inv.InvoiceNumber,
		VendorName:    inv.VendorName,
		InvoiceDate:   inv.InvoiceDate,
		TotalAmount:   inv.TotalAmount,
		Currency:      inv.Currency,
		PurchaseOrder: inv.PurchaseOrder,
		DueDate:       inv.DueDate,
		GSTNumber:     inv.GSTNumber,
		TaxAmount:     inv.TaxAmount,
	})
	if err != nil {
		return invoice.Invoice{}, fmt.Errorf("encode invoice fields: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO invoices
        (id, profile_id, mail_id, fields, needs_review, gst_valid, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(profile_id, mail_id) DO UPDATE SET
            fields = excluded.fields,
            needs_review = excluded.needs_review,
            gst_valid = excluded.gst_valid;`,
		inv.ID, inv.ProfileID, inv.MailID, string(fields), inv.NeedsReview, inv.GSTValid, inv.CreatedAt.Unix())
	if err != nil {
		return invoice.Invoice{}, fmt.Errorf("upsert invoice: %w", err)
	}

	var canonicalID string
	var createdAt int64
	row := s.db.QueryRowContext(ctx, `SELECT id, created_at FROM invoices
        WHERE profile_id = ? AND mail_id = ?;`, inv.ProfileID, inv.MailID)
	if err := row.Scan(&canonicalID, &createdAt); err != nil {
		return invoice.Invoice{}, fmt.Errorf("resolve invoice id: %w", err)
	}
	inv.ID = canonicalID
	inv.CreatedAt = time.Unix(createdAt, 0)
	return inv, nil
}

func (s *Store) GetInvoice(ctx context.Context, profileID, id string) (invoice.Invoice, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, profile_id, mail_id, fields, needs_review, gst_valid, created_at
        FROM invoices WHERE id = ? AND profile_id = ?;`, id, profileID)
	inv, err := scanInvoice(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return invoice.Invoice{}, fmt.Errorf("%w: invoice %s", fault.ErrNotFound, id)
		}
		return invoice.Invoice{}, fmt.Errorf("get invoice: %w", err)
	}
	return inv, nil
}

// ListInvoices returns one page of a profile's invoices with the unpaged
// total. Sort "oldest" reverses the default newest-first order.
func (s *Store) ListInvoices(ctx context.Context, profileID, sort string, offset, limit int32) ([]invoice.Invoice, int32, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM invoices WHERE profile_id = ?;`, profileID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count invoices: %w", err)
	}

	orderBy := " ORDER BY created_at DESC, id DESC"
	if sort == "oldest" {
		orderBy = " ORDER BY created_at ASC, id ASC"
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, profile_id, mail_id, fields, needs_review, gst_valid, created_at
        FROM invoices WHERE profile_id = ?`+orderBy+` LIMIT ? OFFSET ?;`, profileID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	var invoices []invoice.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("scan invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list invoices: %w", err)
	}
	return invoices, int32(total), nil
}

func scanInvoice(scan func(dest ...any) error) (invoice.Invoice, error) {
	var inv invoice.Invoice
	var fields string
	var createdAt int64
	if err := scan(&inv.ID, &inv.ProfileID, &inv.MailID, &fields, &inv.NeedsReview, &inv.GSTValid, &createdAt); err != nil {
		return invoice.Invoice{}, err
	}
	var decoded invoiceFields
	if err := json.Unmarshal([]byte(fields), &decoded); err != nil {
		return invoice.Invoice{}, fmt.Errorf("decode invoice fields: %w", err)
	}
	inv.InvoiceNumber = decoded.InvoiceNumber
	inv.VendorName = decoded.VendorName
	inv.InvoiceDate = decoded.InvoiceDate
	inv.TotalAmount = decoded.TotalAmount
	inv.Currency = decoded.Currency
	inv.PurchaseOrder = decoded.PurchaseOrder
	inv.DueDate = decoded.DueDate
	inv.GSTNumber = decoded.GSTNumber
	inv.TaxAmount = decoded.TaxAmount
	inv.CreatedAt = time.Unix(createdAt, 0)
	return inv, nil
}
