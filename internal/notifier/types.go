package notifier

import (
	"errors"
	"time"
)

var (
	ErrDisabled    = errors.New("notifier disabled")
	ErrQueueFull   = errors.New("notifier queue full")
	ErrStopped     = errors.New("notifier stopped")
	ErrNoSender    = errors.New("no sender configured for channel")
	ErrDestination = errors.New("unrecognized destination")
)

// Channels.
const (
	ChannelWebhook  = "webhook"
	ChannelEmail    = "email"
	ChannelTelegram = "telegram"
)

// Config controls the async delivery pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

// Message is one delivery to one destination.
type Message struct {
	Destination string
	Subject     string
	Text        string
	// Payload is the JSON document posted to webhooks.
	Payload []byte

	GroupID    string
	GroupRunID string
}

// FailedEvent is the notifier.failed event payload.
type FailedEvent struct {
	Channel     string    `json:"channel"`
	Destination string    `json:"destination"`
	GroupID     string    `json:"group_id,omitempty"`
	GroupRunID  string    `json:"group_run_id,omitempty"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error"`
	At          time.Time `json:"at"`
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
