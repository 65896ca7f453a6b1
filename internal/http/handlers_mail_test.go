package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/inter-actief/courier/internal/domain/model"
	"github.com/inter-actief/courier/internal/mailer"
	"github.com/inter-actief/courier/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMailScheduler struct {
	task *model.MailTask
	err  error
}

func (f *fakeMailScheduler) SendMails(_ context.Context, task *model.MailTask) (*model.SubmitResult, error) {
	f.task = task
	if f.err != nil {
		return nil, f.err
	}
	return &model.SubmitResult{WorkflowID: "wf-42", Scheduled: len(task.Recipients)}, nil
}

func postMail(t *testing.T, h *MailHandlers, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/api/mail", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.Send(w, r)
	return w
}

func TestMailSend_Accepted(t *testing.T) {
	svc := &fakeMailScheduler{}
	h := &MailHandlers{Svc: svc}

	w := postMail(t, h, `{
		"template_name": "welcome",
		"report_to": "board@inter-actief.net",
		"report_language": "nl",
		"recipients": [
			{"to": ["a@example.com"], "context": {"first_name": "Ada"}, "language": "en"},
			{"to": ["b@example.com"], "cc": ["c@example.com"]}
		]
	}`)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var res model.SubmitResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "wf-42", res.WorkflowID)
	assert.Equal(t, 2, res.Scheduled)

	require.NotNil(t, svc.task)
	assert.Equal(t, "welcome", svc.task.Template.Name)
	assert.Empty(t, svc.task.From, "default sender is applied by the service")
	require.Len(t, svc.task.Recipients, 2)
	assert.Equal(t, "Ada", svc.task.Recipients[0].Context["first_name"])
	assert.Equal(t, []string{"c@example.com"}, svc.task.Recipients[1].CC)
}

func TestMailSend_FieldValidation(t *testing.T) {
	svc := &fakeMailScheduler{}
	h := &MailHandlers{Svc: svc}

	w := postMail(t, h, `{
		"from": "not-an-address",
		"template_name": "welcome",
		"template_string": "Hello {{ .first_name }}",
		"report_language": "dutch",
		"recipients": [{"to": []}, {"to": ["broken@"]}]
	}`)

	require.Equal(t, http.StatusBadRequest, w.Code)
	var body struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "validation_failed", body.Error)
	for _, field := range []string{"from", "template", "report_language", "recipients[0].to", "recipients[1].address"} {
		assert.Contains(t, body.Fields, field)
	}
	assert.Nil(t, svc.task, "nothing is scheduled for an invalid request")
}

func TestMailSend_ServiceErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "no recipients", err: service.ErrNoRecipients, want: http.StatusBadRequest},
		{name: "reserved context key", err: fmt.Errorf("recipient 0: %w", mailer.ErrReservedKey), want: http.StatusBadRequest},
		{name: "database down", err: errors.New("connection refused"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &MailHandlers{Svc: &fakeMailScheduler{err: tt.err}}
			w := postMail(t, h, `{"template_name":"welcome","recipients":[]}`)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestMailSend_UnknownField(t *testing.T) {
	h := &MailHandlers{Svc: &fakeMailScheduler{}}
	w := postMail(t, h, `{"template":"welcome"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_json")
}
