package mimetree

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"
)

// ParseRaw builds a part tree from a raw RFC822 message, for mailbox
// responses that carry the full encoded message instead of a payload tree.
// Inline parts become body leaves, attachment parts become leaves with their
// bytes carried inline.
func ParseRaw(raw []byte) (Part, error) {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return Container{}, fmt.Errorf("parse raw message: %w", err)
	}

	var headers []Header
	fields := reader.Header.Fields()
	for fields.Next() {
		headers = append(headers, Header{Name: fields.Key(), Value: fields.Value()})
	}

	var children []Part
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Container{}, fmt.Errorf("read message part: %w", err)
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, _, _ := header.ContentType()
			if mediaType == "" {
				mediaType = "text/plain"
			}
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			children = append(children, Leaf{
				MIMEType:    mediaType,
				EncodedBody: EncodeBody(body),
				Size:        int64(len(body)),
			})
		case *mail.AttachmentHeader:
			filename, _ := header.Filename()
			if strings.TrimSpace(filename) == "" {
				filename = "attachment"
			}
			mediaType, _, _ := header.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			children = append(children, Leaf{
				MIMEType:    mediaType,
				Filename:    filename,
				EncodedBody: EncodeBody(body),
				Size:        int64(len(body)),
			})
		}
	}

	return Container{MIMEType: "multipart/mixed", Headers: headers, Children: children}, nil
}
