package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListAddresses(t *testing.T) {
	l := List{Slug: "parents"}
	domains := []string{"ecole.org", "Ecole.fr"}

	assert.Equal(t, "parents@ecole.org", l.PrimaryAddress(domains))
	assert.Equal(t, "parents@ecole.fr", l.Address(domains[1]))
	assert.Equal(t, "Parents ECOLE", l.DisplayName(domains))
	assert.Equal(t, "Parents MAIL", l.DisplayName(nil))
}

func TestActiveEmails(t *testing.T) {
	l := List{Subscribers: []Subscriber{
		{Email: "a@x.org", Active: true},
		{Email: "b@x.org", Active: false},
		{Email: "c@x.org", Active: true},
	}}
	assert.Equal(t, []string{"a@x.org", "c@x.org"}, l.ActiveEmails())
}

func TestFingerprintIsDeterministic(t *testing.T) {
	headers := "From: a@x.org\r\nSubject: hi\r\n"
	body := []byte("hello\r\n")

	first := Fingerprint(headers, body)
	second := Fingerprint(headers, append([]byte(nil), body...))

	assert.Equal(t, first, second)
	assert.Len(t, first, 40)
	assert.NotEqual(t, first, Fingerprint(headers, []byte("hello!\r\n")))
}

func TestParseFolder(t *testing.T) {
	f, ok := ParseFolder("errors")
	assert.True(t, ok)
	assert.Equal(t, FolderErrors, f)

	f, ok = ParseFolder(" Inbox ")
	assert.True(t, ok)
	assert.Equal(t, FolderInbox, f)

	_, ok = ParseFolder("Trash")
	assert.False(t, ok)
}

func TestMessageBodyFallback(t *testing.T) {
	m := InboundMessage{HTML: "<p>hi</p>"}
	assert.Equal(t, "<p>hi</p>", m.Body())
	m.Plain = "hi"
	assert.Equal(t, "hi", m.Body())
	assert.True(t, m.Malformed())
}
