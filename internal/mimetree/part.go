// Package mimetree reconstructs a renderable body and a flat attachment list
// from the nested multipart tree the mailbox API returns.
package mimetree

import (
	"encoding/base64"
	"strings"

	"google.golang.org/api/gmail/v1"
)

// Part is the tagged variant for one node of a MIME tree: either a Leaf
// carrying encoded bytes or a Container holding child parts.
type Part interface {
	isPart()
}

type Header struct {
	Name  string
	Value string
}

// Leaf is a terminal part. EncodedBody is base64url as delivered by the
// mailbox API; AttachmentID is set when the bytes must be fetched in a
// separate round trip.
type Leaf struct {
	MIMEType     string
	Filename     string
	AttachmentID string
	EncodedBody  string
	Size         int64
	Headers      []Header
}

// Container is a multipart node. Only its children matter for resolution.
type Container struct {
	MIMEType string
	Headers  []Header
	Children []Part
}

func (Leaf) isPart()      {}
func (Container) isPart() {}

// FromGmail converts the mailbox API's loosely-typed part into the variant.
// A part with children is a container regardless of any body fields; anything
// else is a leaf.
func FromGmail(p *gmail.MessagePart) Part {
	if p == nil {
		return Leaf{}
	}
	headers := make([]Header, 0, len(p.Headers))
	for _, h := range p.Headers {
		headers = append(headers, Header{Name: h.Name, Value: h.Value})
	}
	if len(p.Parts) > 0 {
		children := make([]Part, 0, len(p.Parts))
		for _, child := range p.Parts {
			children = append(children, FromGmail(child))
		}
		return Container{MIMEType: p.MimeType, Headers: headers, Children: children}
	}
	leaf := Leaf{
		MIMEType: p.MimeType,
		Filename: p.Filename,
		Headers:  headers,
	}
	if p.Body != nil {
		leaf.AttachmentID = p.Body.AttachmentId
		leaf.EncodedBody = p.Body.Data
		leaf.Size = p.Body.Size
	}
	return leaf
}

// HeaderValue resolves a header by name, case-insensitively.
func HeaderValue(headers []Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// DecodeBody decodes a leaf body. The API uses unpadded base64url; padded
// and standard alphabets are accepted as fallbacks. Undecodable bodies
// resolve to empty rather than failing the message.
func DecodeBody(encoded string) []byte {
	if encoded == "" {
		return nil
	}
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding,
		base64.URLEncoding,
		base64.StdEncoding,
	} {
		if data, err := enc.DecodeString(encoded); err == nil {
			return data
		}
	}
	return nil
}

// EncodeBody is the inverse of DecodeBody, used when building trees from
// sources that hand us raw bytes.
func EncodeBody(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}
