// Package email sends rendered notifications over SMTP.
package email

import (
	"context"

	"github.com/google/uuid"
)

type Message struct {
	To          []string
	CC          []string
	Subject     string
	Body        string
	Attachments []Attachment
}

type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Provider delivers one message and returns the message id it was sent
// under.
type Provider interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// NoOpProvider is used when no SMTP host is configured.
type NoOpProvider struct{}

func (p *NoOpProvider) Send(ctx context.Context, msg Message) (string, error) {
	return "noop-" + uuid.NewString(), nil
}
