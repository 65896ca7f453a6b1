package mailer

import (
	"strings"

	"github.com/inter-actief/courier/internal/domain/model"
)

// Message is a fully rendered mail ready for a Sender.
type Message struct {
	From        string
	To          []string
	CC          []string
	BCC         []string
	Subject     string
	Text        string
	HTML        string
	Headers     map[string]string
	ReturnPath  string
	Inline      []InlinePart
	Attachments []model.Attachment
}

// ComposeOptions are the deployment settings applied to every message.
type ComposeOptions struct {
	// InterceptTo replaces all recipients when set and drops CC and BCC.
	InterceptTo []string
	// ReturnPath is used unless the recipient headers carry their own Return-Path.
	ReturnPath string
}

// Compose builds the message for one recipient from its rendered content.
func Compose(from string, rcpt *model.RecipientPayload, r *Rendered, opts ComposeOptions) *Message {
	msg := &Message{
		From:        from,
		To:          append([]string(nil), rcpt.To...),
		CC:          append([]string(nil), rcpt.CC...),
		BCC:         append([]string(nil), rcpt.BCC...),
		Subject:     r.Subject,
		Text:        r.Text,
		HTML:        r.HTML,
		Headers:     map[string]string{},
		ReturnPath:  opts.ReturnPath,
		Inline:      r.Inline,
		Attachments: rcpt.Attachments,
	}
	for k, v := range rcpt.Headers {
		if strings.EqualFold(k, "Return-Path") {
			msg.ReturnPath = v
			continue
		}
		msg.Headers[k] = v
	}
	if len(opts.InterceptTo) > 0 {
		msg.To = append([]string(nil), opts.InterceptTo...)
		msg.CC = nil
		msg.BCC = nil
	}
	return msg
}
