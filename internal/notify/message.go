// Package notify delivers buyer and seller notifications.  Delivery is
// fire-and-forget: a failed send is reported in the Result and logged, and
// never rolls back the operation that triggered it.
package notify

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Channel selects the delivery medium.
type Channel string

const (
	Email Channel = "email"
	SMS   Channel = "sms"
)

// Message types.
const (
	TypeSaleCompleted      = "sale_completed"
	TypeReservationExpired = "reservation_expired"
)

// Message is one notification.  Data carries template values such as the
// license number or the validity date.
type Message struct {
	Type      string            `json:"type"`
	Channel   Channel           `json:"channel"`
	Recipient string            `json:"recipient"`
	Data      map[string]string `json:"data,omitempty"`
}

// Result reports the outcome of a send.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Sender delivers a message.
type Sender interface {
	Send(ctx context.Context, m Message) Result
}

// Failed builds an unsuccessful Result from err.
func Failed(err error) Result {
	return Result{Error: err.Error()}
}

// Dispatcher routes messages to a sender per channel.
type Dispatcher struct {
	senders map[Channel]Sender
}

// NewDispatcher builds a Dispatcher.  Channels without a sender fail.
func NewDispatcher(senders map[Channel]Sender) *Dispatcher {
	return &Dispatcher{senders: senders}
}

func (d *Dispatcher) Send(ctx context.Context, m Message) Result {
	s, ok := d.senders[m.Channel]
	if !ok {
		return Failed(fmt.Errorf("no sender for channel %q", m.Channel))
	}
	return s.Send(ctx, m)
}

// LogSender writes messages to the log instead of a real gateway.  It is
// the default email and SMS sender outside production.
type LogSender struct {
	Channel Channel
	Log     logrus.FieldLogger
}

func (s LogSender) Send(_ context.Context, m Message) Result {
	if m.Recipient == "" {
		return Failed(fmt.Errorf("%s: empty recipient", s.Channel))
	}
	s.Log.WithFields(logrus.Fields{
		"channel":   s.Channel,
		"type":      m.Type,
		"recipient": m.Recipient,
		"data":      m.Data,
	}).Info("notification sent")
	return Result{Success: true}
}

// Discard accepts every message.
type Discard struct{}

func (Discard) Send(context.Context, Message) Result { return Result{Success: true} }

// Fire sends m and logs a failure.  It never returns an error.
func Fire(ctx context.Context, s Sender, log logrus.FieldLogger, m Message) {
	if s == nil {
		return
	}
	if res := s.Send(ctx, m); !res.Success {
		log.WithFields(logrus.Fields{"type": m.Type, "channel": m.Channel}).
			Warnf("notification failed: %s", res.Error)
	}
}
