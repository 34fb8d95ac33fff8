package mailbox

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"listproc/models"
)

// splitRaw separates the header block from the body at the first empty line.
func splitRaw(raw []byte) (string, []byte) {
	for _, sep := range [][]byte{[]byte("\r\n\r\n"), []byte("\n\n")} {
		if idx := bytes.Index(raw, sep); idx >= 0 {
			return string(raw[:idx+len(sep)/2]), raw[idx+len(sep):]
		}
	}
	return string(raw), nil
}

// ParseMessage decodes a raw RFC 5322 message. Header or MIME problems do
// not fail the parse: the message comes back with whatever could be read
// and an empty sender marks it malformed.
func ParseMessage(raw []byte) (*models.InboundMessage, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty message")
	}

	headers, body := splitRaw(raw)
	msg := &models.InboundMessage{
		RawHeaders:  headers,
		RawBody:     body,
		Fingerprint: models.Fingerprint(headers, body),
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if mr == nil || (err != nil && !message.IsUnknownCharset(err)) {
		return msg, nil
	}
	defer mr.Close()

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = models.Address{
			Email: strings.ToLower(strings.TrimSpace(from[0].Address)),
			Name:  strings.TrimSpace(from[0].Name),
		}
	}
	msg.Recipients = recipients(&mr.Header)
	if subject, err := mr.Header.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = mr.Header.Get("Subject")
	}
	if date, err := mr.Header.Date(); err == nil {
		msg.Date = date
	}

	readParts(mr, msg)
	return msg, nil
}

func recipients(h *mail.Header) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, field := range []string{"To", "Cc", "Bcc"} {
		addrs, err := h.AddressList(field)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			email := strings.ToLower(strings.TrimSpace(a.Address))
			if email == "" {
				continue
			}
			if _, ok := seen[email]; ok {
				continue
			}
			seen[email] = struct{}{}
			out = append(out, email)
		}
	}
	return out
}

func readParts(mr *mail.Reader, msg *models.InboundMessage) {
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return
		}
		if err != nil && (p == nil || !message.IsUnknownCharset(err)) {
			return
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			if contentType == "" {
				contentType = "text/plain"
			}
			b, err := io.ReadAll(p.Body)
			if err != nil {
				continue
			}
			switch {
			case contentType == "text/plain" && msg.Plain == "":
				msg.Plain = string(b)
			case contentType == "text/html" && msg.HTML == "":
				msg.HTML = string(b)
			case !strings.HasPrefix(contentType, "text/"):
				name := inlineFilename(h)
				if name == "" {
					continue
				}
				msg.Attachments = append(msg.Attachments, attachment(name, contentType, b))
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			b, err := io.ReadAll(p.Body)
			if err != nil {
				continue
			}
			if filename == "" {
				filename = fmt.Sprintf("attachment-%d", len(msg.Attachments)+1)
			}
			msg.Attachments = append(msg.Attachments, attachment(filename, contentType, b))
		}
	}
}

func inlineFilename(h *mail.InlineHeader) string {
	if _, params, err := h.ContentDisposition(); err == nil && params["filename"] != "" {
		return params["filename"]
	}
	if _, params, err := h.ContentType(); err == nil {
		return params["name"]
	}
	return ""
}

func attachment(name, contentType string, b []byte) models.Attachment {
	return models.Attachment{
		Filename:    name,
		ContentType: contentType,
		Size:        int64(len(b)),
		Content:     b,
	}
}
