package models

import (
	"crypto/sha1"
	"encoding/hex"
	"time"
)

// Address is a parsed mailbox address.
type Address struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Attachment is one attached part of an inbound message.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Content     []byte `json:"-"`
}

// InboundMessage is a message loaded from the mailbox. It lives for the
// duration of one processing step; the mailbox folder holds its state.
type InboundMessage struct {
	UID         uint32       `json:"uid"`
	Folder      Folder       `json:"folder"`
	From        Address      `json:"from"`
	Recipients  []string     `json:"recipients"`
	Subject     string       `json:"subject"`
	Date        time.Time    `json:"date"`
	RawHeaders  string       `json:"-"`
	RawBody     []byte       `json:"-"`
	Plain       string       `json:"-"`
	HTML        string       `json:"-"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Fingerprint string       `json:"fingerprint"`
}

// Malformed reports a message without a usable sender.
func (m *InboundMessage) Malformed() bool {
	return m.From.Email == ""
}

// Body returns the plain text body, falling back to HTML.
func (m *InboundMessage) Body() string {
	if m.Plain != "" {
		return m.Plain
	}
	return m.HTML
}

// Fingerprint is the hex SHA-1 of the raw header block followed by the raw
// body. It is the only handle accepted by approve and discard.
func Fingerprint(rawHeaders string, rawBody []byte) string {
	h := sha1.New()
	h.Write([]byte(rawHeaders))
	h.Write(rawBody)
	return hex.EncodeToString(h.Sum(nil))
}
