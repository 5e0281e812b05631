package offload

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/keymint/keyforge/keymat"
	"github.com/keymint/keyforge/seedsource"
)

// Coordinator dispatches derivation requests to a worker pool and falls
// back to synchronous in-process derivation when the pool is unavailable,
// rejects the request, or aborts without a terminal message. The fallback
// is transparent: derivation is deterministic, so both paths yield the
// same material for the same seed source.
type Coordinator struct {
	pool   *Pool
	seeds  seedsource.Deriver
	keys   *keymat.Deriver
	logger *slog.Logger
}

// NewCoordinator wires a coordinator. pool may be nil, in which case every
// request derives inline.
func NewCoordinator(pool *Pool, seeds seedsource.Deriver, keys *keymat.Deriver, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		pool:   pool,
		seeds:  seeds,
		keys:   keys,
		logger: logger,
	}
}

// Derive produces key material for the seed source. onProgress (may be
// nil) receives staged progress; priority orders dispatch. ctx bounds the
// wait: callers needing a hard timeout cancel ctx and the call returns —
// the coordinator itself never times out internally.
func (c *Coordinator) Derive(ctx context.Context, seedSource string, priority Priority, onProgress func(Progress)) (*keymat.KeyMaterial, error) {
	if c.pool == nil {
		return c.deriveInline(seedSource, onProgress)
	}

	req := Request{
		Type:       "generate",
		ID:         uuid.NewString(),
		SeedSource: seedSource,
		Priority:   priority,
	}

	terminal, err := c.pool.Submit(req, onProgress)
	if err != nil {
		c.logger.Warn("worker dispatch failed, deriving synchronously", "request_id", req.ID, "err", err)
		return c.deriveInline(seedSource, onProgress)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()

	case msg, ok := <-terminal:
		if !ok {
			c.logger.Warn("worker aborted without result, deriving synchronously", "request_id", req.ID)
			return c.deriveInline(seedSource, onProgress)
		}

		switch m := msg.(type) {
		case *Result:
			return m.KeyMaterial, nil
		case *Error:
			// derivation errors are deterministic: retrying inline would
			// fail identically, so propagate
			return nil, m.Err
		default:
			c.logger.Warn("unexpected terminal message, deriving synchronously", "request_id", req.ID, "message_type", msg.messageType())
			return c.deriveInline(seedSource, onProgress)
		}
	}
}

func (c *Coordinator) deriveInline(seedSource string, onProgress func(Progress)) (*keymat.KeyMaterial, error) {
	km, _, err := runStages(uuid.NewString(), seedSource, c.seeds, c.keys, onProgress, nil)
	return km, err
}
