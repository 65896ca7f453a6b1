package mailer

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inter-actief/courier/internal/domain/model"
)

func testMessage() *Message {
	return &Message{
		From:       "Courier <courier@example.com>",
		To:         []string{"ann@example.com"},
		CC:         []string{"cc@example.com"},
		Subject:    "Hello Ann",
		Text:       "plain body",
		HTML:       `<p>rich body <img src="cid:abc123"></p>`,
		Headers:    map[string]string{"X-Campaign": "spring"},
		ReturnPath: "<bounces@example.com>",
		Inline: []InlinePart{
			{CID: "abc123", Filename: "logo.png", ContentType: "image/png", Data: []byte("png")},
		},
		Attachments: []model.Attachment{
			{Filename: "agenda.txt", ContentType: "text/plain", Data: []byte("agenda")},
		},
	}
}

func TestBuildMsg(t *testing.T) {
	m, err := BuildMsg(testMessage())
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = m.WriteTo(&buf)
	require.NoError(t, err)
	raw := buf.String()
	lower := strings.ToLower(raw)

	assert.Contains(t, raw, "Subject: Hello Ann")
	assert.Contains(t, raw, "X-Campaign: spring")
	assert.Contains(t, raw, "ann@example.com")
	assert.Contains(t, raw, "cc@example.com")
	assert.Contains(t, lower, "multipart/alternative")
	assert.Contains(t, raw, "abc123")
	assert.Contains(t, raw, "agenda.txt")
}

func TestBuildMsg_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Message)
		want   string
	}{
		{name: "no recipients", mutate: func(m *Message) { m.To = nil }, want: "no recipients"},
		{name: "bad from", mutate: func(m *Message) { m.From = "not an address" }, want: "from"},
		{name: "bad cc", mutate: func(m *Message) { m.CC = []string{"@@"} }, want: "cc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := testMessage()
			tt.mutate(msg)
			_, err := BuildMsg(msg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := BuildMsg(nil)
	require.Error(t, err)
}

func TestLogSender(t *testing.T) {
	s := &LogSender{}
	require.NoError(t, s.Send(context.Background(), testMessage()))

	bad := testMessage()
	bad.To = nil
	require.Error(t, s.Send(context.Background(), bad))
}

func TestNewSMTPSender_RequiresHost(t *testing.T) {
	_, err := NewSMTPSender(SMTPConfig{})
	require.Error(t, err)

	s, err := NewSMTPSender(SMTPConfig{Host: "localhost", Port: 2525, Username: "u", Password: "p", TLS: "none"})
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestCatalog_Translate(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"en", "nl"}, c.Languages())
	assert.Equal(t, "Dear Ann,", c.Translate("en", "export.greeting", "Ann"))
	assert.Equal(t, "Beste Ann,", c.Translate("", "export.greeting", "Ann"))
	assert.Equal(t, "missing.key", c.Translate("en", "missing.key"))
}
