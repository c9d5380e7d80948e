package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/club-license-service/internal/logging"
)

type recordingSender struct {
	got  []Message
	fail bool
}

func (r *recordingSender) Send(_ context.Context, m Message) Result {
	r.got = append(r.got, m)
	if r.fail {
		return Failed(errors.New("gateway down"))
	}
	return Result{Success: true}
}

func TestDispatcherRoutesByChannel(t *testing.T) {
	email, sms := &recordingSender{}, &recordingSender{}
	d := NewDispatcher(map[Channel]Sender{Email: email, SMS: sms})

	assert.True(t, d.Send(context.Background(), Message{Type: TypeSaleCompleted, Channel: SMS, Recipient: "+4790000000"}).Success)
	assert.Len(t, sms.got, 1)
	assert.Empty(t, email.got)

	res := d.Send(context.Background(), Message{Channel: "fax"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "fax")
}

func TestLogSenderRequiresRecipient(t *testing.T) {
	var buf bytes.Buffer
	s := LogSender{Channel: Email, Log: logging.NewWithOutput(&buf, "info", "json")}

	assert.False(t, s.Send(context.Background(), Message{Type: TypeSaleCompleted}).Success)
	assert.True(t, s.Send(context.Background(), Message{Type: TypeSaleCompleted, Recipient: "kari@example.no"}).Success)
	assert.Contains(t, buf.String(), "kari@example.no")
}

func TestFireSwallowsFailure(t *testing.T) {
	var buf bytes.Buffer
	failing := &recordingSender{fail: true}
	Fire(context.Background(), failing, logging.NewWithOutput(&buf, "info", "text"), Message{Type: TypeSaleCompleted, Channel: Email})
	assert.Len(t, failing.got, 1)
	assert.Contains(t, buf.String(), "gateway down")

	Fire(context.Background(), nil, logging.Discard(), Message{})
}

func TestConsumerHandle(t *testing.T) {
	sender := &recordingSender{}
	c := NewConsumer("", sender, logging.Discard())

	body, err := json.Marshal(Message{Type: TypeSaleCompleted, Channel: Email, Recipient: "kari@example.no", Data: map[string]string{"license_number": "BRA-0001"}})
	require.NoError(t, err)
	require.NoError(t, c.Handle(context.Background(), body))
	require.Len(t, sender.got, 1)
	assert.Equal(t, "BRA-0001", sender.got[0].Data["license_number"])

	assert.Error(t, c.Handle(context.Background(), []byte("{not json")))

	sender.fail = true
	assert.Error(t, c.Handle(context.Background(), body))
}
