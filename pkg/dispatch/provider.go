package dispatch

import (
	"context"

	"github.com/doctorsflow/engage/pkg/models"
)

// Provider sends one message through a single transport. Implementations
// classify failures as transient or permanent via the package error classes.
type Provider interface {
	// Name identifies the provider in message logs (e.g. "coolsms").
	Name() string

	// Channel is the transport this provider serves.
	Channel() models.Channel

	// Send delivers content to the recipient address for this channel.
	Send(ctx context.Context, recipient, content string) error
}
