//revive:disable-next-line:var-naming // legacy package name widely used across the project
package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateChoice_Validate(t *testing.T) {
	assert.ErrorIs(t, TemplateChoice{}.Validate(), ErrTemplateChoice)
	assert.ErrorIs(t, TemplateChoice{Name: "a.mail", Source: "x"}.Validate(), ErrTemplateChoice)
	assert.ErrorIs(t, TemplateChoice{Name: "  "}.Validate(), ErrTemplateChoice)
	assert.NoError(t, TemplateChoice{Name: "a.mail"}.Validate())
	assert.NoError(t, TemplateChoice{Source: "{{subject \"hi\"}}"}.Validate())
}

func TestRecipient_PayloadIsDeepCopy(t *testing.T) {
	r := &Recipient{
		To:      []string{"a@example.com"},
		Headers: map[string]string{"X-Batch": "1"},
		Context: map[string]any{"name": "Ann", "nested": map[string]any{"k": "v"}},
	}

	p, err := r.Payload()
	require.NoError(t, err)

	r.To[0] = "changed@example.com"
	r.Headers["X-Batch"] = "2"
	r.Context["nested"].(map[string]any)["k"] = "changed"

	assert.Equal(t, []string{"a@example.com"}, p.To)
	assert.Equal(t, "1", p.Headers["X-Batch"])
	assert.Equal(t, "v", p.Context["nested"].(map[string]any)["k"])
}

func TestRecipient_PayloadRejectsUnserializableContext(t *testing.T) {
	r := &Recipient{To: []string{"a@example.com"}, Context: map[string]any{"fn": func() {}}}
	_, err := r.Payload()
	assert.Error(t, err)
}

func TestMailTask_Validate(t *testing.T) {
	ok := &MailTask{
		From:       "www@example.com",
		Template:   TemplateChoice{Name: "welcome.mail"},
		Recipients: []*Recipient{{To: []string{"a@example.com"}}},
	}
	assert.NoError(t, ok.Validate())

	noTemplate := *ok
	noTemplate.Template = TemplateChoice{}
	assert.ErrorIs(t, noTemplate.Validate(), ErrTemplateChoice)

	noTo := *ok
	noTo.Recipients = []*Recipient{{}}
	assert.Error(t, noTo.Validate())

	noFrom := *ok
	noFrom.From = ""
	assert.Error(t, noFrom.Validate())
}

func TestRecipientPayload_Target(t *testing.T) {
	p := RecipientPayload{To: []string{"a@example.com", "b@example.com"}}
	assert.Equal(t, "a@example.com, b@example.com", p.Target())
}
