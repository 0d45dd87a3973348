package mimetree

import (
	"html"
	"regexp"
	"strings"
)

// ResolveBody walks the part tree depth-first and returns the best
// renderable body:
//
//  1. a root leaf with a non-empty body wins outright;
//  2. a container prefers a direct text/html child leaf, then a wrapped
//     text/plain child;
//  3. otherwise child containers are tried in order, first non-empty wins;
//  4. an unresolvable tree yields the empty string, never an error.
func ResolveBody(root Part) string {
	switch p := root.(type) {
	case Leaf:
		return string(DecodeBody(p.EncodedBody))
	case Container:
		return resolveContainer(p)
	}
	return ""
}

func resolveContainer(c Container) string {
	var plain string
	for _, child := range c.Children {
		leaf, ok := child.(Leaf)
		if !ok {
			continue
		}
		body := string(DecodeBody(leaf.EncodedBody))
		if body == "" {
			continue
		}
		switch {
		case strings.HasPrefix(leaf.MIMEType, "text/html"):
			return body
		case strings.HasPrefix(leaf.MIMEType, "text/plain") && plain == "":
			plain = body
		}
	}
	if plain != "" {
		return wrapPlaintext(plain)
	}
	for _, child := range c.Children {
		if sub, ok := child.(Container); ok {
			if body := resolveContainer(sub); body != "" {
				return body
			}
		}
	}
	return ""
}

// wrapPlaintext makes plain text renderable without ever being interpreted
// as markup: escaped, whitespace-preserving, fixed-width.
func wrapPlaintext(text string) string {
	return `<div style="white-space: pre-wrap; font-family: monospace;">` +
		html.EscapeString(text) + `</div>`
}

// Attachment describes one attachment leaf. Inline carries the decoded
// bytes when the tree already contains them; otherwise AttachmentID names
// the bytes for a separate fetch.
type Attachment struct {
	Filename     string
	MIMEType     string
	AttachmentID string
	Size         int64
	Inline       []byte
}

// Attachments flattens every attachment leaf in the tree: any leaf carrying
// a filename together with either an attachment identifier or inline bytes.
func Attachments(root Part) []Attachment {
	var out []Attachment
	collectAttachments(root, &out)
	return out
}

func collectAttachments(p Part, out *[]Attachment) {
	switch v := p.(type) {
	case Leaf:
		if v.Filename == "" {
			return
		}
		att := Attachment{
			Filename:     v.Filename,
			MIMEType:     v.MIMEType,
			AttachmentID: v.AttachmentID,
			Size:         v.Size,
		}
		if v.AttachmentID == "" {
			data := DecodeBody(v.EncodedBody)
			if len(data) == 0 {
				return
			}
			att.Inline = data
			att.Size = int64(len(data))
		}
		*out = append(*out, att)
	case Container:
		for _, child := range v.Children {
			collectAttachments(child, out)
		}
	}
}

// Address is a parsed From header.
type Address struct {
	DisplayName string
	Address     string
}

var fromPattern = regexp.MustCompile(`^\s*"?([^"<]*?)"?\s*<([^>]+)>\s*$`)

// ParseFrom splits `"Name" <addr>` into its parts, falling back to treating
// the whole header as a bare address.
func ParseFrom(header string) Address {
	if m := fromPattern.FindStringSubmatch(header); m != nil {
		return Address{DisplayName: strings.TrimSpace(m[1]), Address: m[2]}
	}
	addr := strings.TrimSpace(header)
	return Address{DisplayName: addr, Address: addr}
}
