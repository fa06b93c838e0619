// Package decode turns raw message bytes into decoded headers, a
// best-effort plain-text body, and attachment payloads. Every decode
// failure has a fallback path; nothing here is fatal.
package decode

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailmirror/internal/model"
)

// Message parses raw RFC 822 bytes fetched under uid into a
// MailMessage. Multi-part encoded-word headers are reassembled with
// lossy UTF-8 replacement on charset failure; an unparsable Date
// header falls back to the current instant, so a malformed message is
// ordered as "now" rather than dropped.
func Message(uid string, raw []byte) *model.MailMessage {
	msg := &model.MailMessage{
		UID:  uid,
		Date: time.Now().UTC(),
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// Unparsable structure: surface whatever text we can.
		msg.Text = collapseWhitespace(string(raw))
		msg.Lines = normalizeLines(string(raw))
		return msg
	}
	defer mr.Close()

	if v, err := mr.Header.MessageID(); err == nil {
		msg.MessageID = v
	}
	if v, err := mr.Header.Subject(); err == nil {
		msg.Subject = v
	} else {
		msg.Subject = strings.TrimSpace(mr.Header.Get("Subject"))
	}
	msg.From = senderHeader(&mr.Header)
	if d, err := mr.Header.Date(); err == nil && !d.IsZero() {
		msg.Date = d.UTC()
	}

	var plain, htmlBody string
	attachIndex := 0

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A broken part (unknown charset, bad encoding) abandons
			// the walk; everything decoded so far is kept.
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, params, _ := h.ContentType()

			// Inline leaves carrying a filename count as attachments.
			if name := params["name"]; name != "" {
				if att, ok := readAttachment(part.Body, name, contentType); ok {
					msg.Attachments = append(msg.Attachments, att)
				}
				attachIndex++
				continue
			}

			body, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			switch {
			case strings.HasPrefix(contentType, "text/plain") && plain == "":
				plain = string(body)
			case strings.HasPrefix(contentType, "text/html") && htmlBody == "":
				htmlBody = string(body)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			if filename == "" {
				filename = fmt.Sprintf("attachment-%s-%d", uid, attachIndex)
			}
			if att, ok := readAttachment(part.Body, filename, contentType); ok {
				msg.Attachments = append(msg.Attachments, att)
			}
			attachIndex++
		}
	}

	msg.HTML = htmlBody
	if plain != "" {
		msg.Text = collapseWhitespace(plain)
		msg.Lines = normalizeLines(plain)
	} else {
		msg.Text = HTMLToText(htmlBody)
		msg.Lines = htmlToLines(htmlBody)
	}

	return msg
}

// senderHeader renders the From header as "Name <addr>" (or the bare
// address), falling back to the raw decoded header text.
func senderHeader(h *mail.Header) string {
	addrs, err := h.AddressList("From")
	if err == nil && len(addrs) > 0 {
		from := addrs[0]
		if from.Name != "" {
			return fmt.Sprintf("%s <%s>", from.Name, from.Address)
		}
		return from.Address
	}
	if text, err := h.Text("From"); err == nil {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(h.Get("From"))
}

// readAttachment drains a part body into an Attachment.
func readAttachment(
	r io.Reader, filename, contentType string,
) (model.Attachment, bool) {
	data, err := io.ReadAll(r)
	if err != nil {
		return model.Attachment{}, false
	}
	return model.Attachment{
		Filename:    filename,
		ContentType: contentType,
		Data:        data,
	}, true
}

// blockTags matches line-break and block-level tags; a newline is
// injected after each before tags are stripped so words from adjacent
// blocks do not run together.
var blockTags = regexp.MustCompile(`(?i)</?(?:br|p|div|tr)\b[^>]*/?>`)

// anyTag matches any remaining markup tag.
var anyTag = regexp.MustCompile(`<[^>]*>`)

// HTMLToText renders HTML markup as collapsed plain text: newlines are
// injected after block tags, all tags are stripped, entities are
// unescaped, and whitespace is collapsed to single spaces. If the
// tag-aware pass yields nothing from non-empty input, it falls back to
// a naive unescape-and-collapse of the raw markup.
func HTMLToText(htmlStr string) string {
	if htmlStr == "" {
		return ""
	}

	text := collapseWhitespace(stripMarkup(htmlStr))
	if text == "" {
		return collapseWhitespace(html.UnescapeString(htmlStr))
	}
	return text
}

// htmlToLines is the line-preserving counterpart of HTMLToText: the
// newlines injected after block tags survive into the result so the
// body keeps a segmentable line structure.
func htmlToLines(htmlStr string) string {
	if htmlStr == "" {
		return ""
	}

	text := normalizeLines(stripMarkup(htmlStr))
	if text == "" {
		return normalizeLines(html.UnescapeString(htmlStr))
	}
	return text
}

// stripMarkup removes tags from HTML, leaving a newline behind each
// block tag, and unescapes entities. Whitespace is not normalized.
func stripMarkup(htmlStr string) string {
	withBreaks := blockTags.ReplaceAllString(htmlStr, "\n")
	stripped := anyTag.ReplaceAllString(withBreaks, " ")
	return html.UnescapeString(stripped)
}

// collapseWhitespace reduces every internal whitespace run to a single
// space and trims the ends.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// normalizeLines collapses horizontal whitespace within each line but
// keeps the line breaks, trimming blank lines off both ends.
func normalizeLines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	parts := strings.Split(s, "\n")
	for i, line := range parts {
		parts[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.Trim(strings.Join(parts, "\n"), "\n")
}
