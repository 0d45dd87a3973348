// Package blob persists attachment bytes to durable storage and hands back
// stable external references.
//
// Failure isolation is the whole point here: any fetch, decode, or write
// failure yields an AttachmentRef with an absent URL, and processing moves
// on to the next attachment. One bad attachment never drops a message.
package blob

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.io/infrasutra/mailscan/internal/mimetree"
)

// Fetcher is the slice of the mailbox client the materializer needs.
type Fetcher interface {
	FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// AttachmentRef reports one attachment with a definite storage status:
// URL set means the bytes landed, URL nil means materialization failed but
// the attachment is still known from the API's metadata.
type AttachmentRef struct {
	Filename string  `json:"filename"`
	MimeType string  `json:"mimeType"`
	Size     int64   `json:"size"`
	URL      *string `json:"url,omitempty"`
}

// Store writes attachments under baseDir namespaced by owner identity and
// message id so filenames never collide across users or messages.
type Store struct {
	baseDir string
	baseURL string
	logger  *slog.Logger
}

func NewStore(baseDir, baseURL string, logger *slog.Logger) *Store {
	return &Store{
		baseDir: baseDir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// Materialize persists every attachment of one message. The returned slice
// always has one entry per attachment, each with a definite storage status.
func (s *Store) Materialize(ctx context.Context, fetcher Fetcher, owner, messageID string, atts []mimetree.Attachment) []AttachmentRef {
	refs := make([]AttachmentRef, 0, len(atts))
	for _, att := range atts {
		refs = append(refs, s.materializeOne(ctx, fetcher, owner, messageID, att))
	}
	return refs
}

func (s *Store) materializeOne(ctx context.Context, fetcher Fetcher, owner, messageID string, att mimetree.Attachment) AttachmentRef {
	ref := AttachmentRef{
		Filename: att.Filename,
		MimeType: att.MIMEType,
		Size:     att.Size,
	}

	data := att.Inline
	if data == nil {
		var err error
		data, err = fetcher.FetchAttachment(ctx, messageID, att.AttachmentID)
		if err != nil {
			s.logger.Warn("fetch attachment", "message", messageID, "filename", att.Filename, "error", err)
			return ref
		}
	}

	name := SanitizeFilename(att.Filename)
	dir := filepath.Join(s.baseDir, pathKey(owner), pathKey(messageID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("create attachment dir", "dir", dir, "error", err)
		return ref
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		s.logger.Warn("write attachment", "message", messageID, "filename", name, "error", err)
		return ref
	}

	url := fmt.Sprintf("%s/%s/%s/%s", s.baseURL, pathKey(owner), pathKey(messageID), name)
	ref.URL = &url
	ref.Size = int64(len(data))
	return ref
}

// Open returns the stored bytes for an external reference path, relative to
// the store root (e.g. "owner/message/file.pdf").
func (s *Store) Open(relPath string) ([]byte, error) {
	clean := filepath.Clean("/" + relPath)
	return os.ReadFile(filepath.Join(s.baseDir, clean))
}

// SanitizeFilename keeps a filename safe to place on disk: path separators
// and shell-hostile characters are replaced, empty names get a placeholder.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "attachment"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20, strings.ContainsRune(`<>:"/\|?*`, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// pathKey makes an identifier safe to use as a directory segment.
func pathKey(id string) string {
	return SanitizeFilename(strings.ReplaceAll(id, "@", "_at_"))
}
