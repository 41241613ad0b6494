// Package bus carries detection requests and completion events between the
// API, the worker and downstream consumers.
package bus

import (
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus is closed")

// New creates an event bus from configuration: Go channels for "channel",
// NATS for "nats".
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
