package notify

import (
	"fmt"

	"dwarf-go/internal/config"
	"dwarf-go/internal/dwarf"
)

// Notifier is a dwarf.Notifier that holds a connection.
type Notifier interface {
	dwarf.Notifier
	Close() error
}

type nopNotifier struct {
	dwarf.NopNotifier
}

func (nopNotifier) Close() error { return nil }

// NewNotifierFromConfig creates the configured publisher. Type "none" (or
// empty) drops events.
func NewNotifierFromConfig(cfg config.NotifyConfig, logger dwarf.Logger) (Notifier, error) {
	switch cfg.Type {
	case "", "none":
		return nopNotifier{}, nil
	case "nats":
		if cfg.NATSURL == "" {
			return nil, fmt.Errorf("nats notifier requires nats_url to be set")
		}
		return Connect(cfg.NATSURL, cfg.SubjectPrefix, logger)
	default:
		return nil, fmt.Errorf("unknown notify type: %s", cfg.Type)
	}
}
