// Package notify is the outbound notification boundary.
//
// The auth core emits messages (verification mails, security alerts) through a Sink
// and never inspects delivery beyond logging a failure. Delivery mechanics live
// behind the interface.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Message kinds emitted by warden.
const (
	KindVerifyEmail     = "account.verify_email"
	KindRefreshReuse    = "session.reuse_detected"
	KindSessionsRevoked = "session.revoked_all"
)

// Message is a single outbound notification.
type Message struct {
	Kind    string
	To      string
	Subject string
	Body    string
	// Data carries machine-readable fields (e.g. a verification token).
	Data map[string]string
	At   time.Time
}

// Sink delivers notifications.
type Sink interface {
	Notify(ctx context.Context, msg Message) error
}

// NoopSink drops every message.
type NoopSink struct{}

// Notify implements Sink.
func (NoopSink) Notify(context.Context, Message) error { return nil }

// LogSink writes messages to a structured logger. Data is only logged at debug level.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink returns a LogSink. A nil logger selects slog.Default().
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

// Notify implements Sink.
func (s *LogSink) Notify(ctx context.Context, msg Message) error {
	s.log.InfoContext(ctx, "notify.send", "kind", msg.Kind, "to", msg.To, "subject", msg.Subject)
	s.log.DebugContext(ctx, "notify.send.body", "kind", msg.Kind, "body", msg.Body, "data", msg.Data)
	return nil
}

// Recorder keeps every message in memory. It is safe for concurrent use.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
}

// Notify implements Sink.
func (r *Recorder) Notify(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

// Messages returns a copy of everything recorded so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

// LastFor returns the most recent message of kind sent to recipient.
func (r *Recorder) LastFor(kind, to string) (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.msgs) - 1; i >= 0; i-- {
		if r.msgs[i].Kind == kind && r.msgs[i].To == to {
			return r.msgs[i], true
		}
	}
	return Message{}, false
}
