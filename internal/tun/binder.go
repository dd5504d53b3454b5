package tun

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

// Binder prepares the virtual interface the moment a module comes up in
// tunneling mode. The device is created once and reused.
type Binder struct {
	cfg Config

	mu     sync.Mutex
	device io.Closer

	// create builds the device; replaced in tests.
	create func(Config) (io.Closer, error)
}

// NewBinder creates a binder for the given interface configuration.
func NewBinder(cfg Config) *Binder {
	return &Binder{
		cfg: cfg,
		create: func(c Config) (io.Closer, error) {
			return Create(c)
		},
	}
}

// Prepare makes sure the interface exists. It is safe to call repeatedly;
// a failed attempt is retried on the next call.
func (b *Binder) Prepare(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.device != nil {
		return nil
	}
	dev, err := b.create(b.cfg)
	if err != nil {
		return fmt.Errorf("prepare %s: %w", b.cfg.Name, err)
	}
	b.device = dev
	log.Debug().Str("name", b.cfg.Name).Msg("vpn interface ready")
	return nil
}

// Ready reports whether the interface has been prepared.
func (b *Binder) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.device != nil
}

// Close releases the interface.
func (b *Binder) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.device == nil {
		return nil
	}
	err := b.device.Close()
	b.device = nil
	return err
}
