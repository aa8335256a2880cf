package main

import (
	"context"

	"pkt.systems/pslog"
)

// Sink is where segments end up: a chat, a console, a web observer.
type Sink interface {
	// Create delivers new content and returns a handle for later edits.
	Create(ctx context.Context, text string) (Handle, error)
	// Update rewrites previously delivered content. Best effort.
	Update(ctx context.Context, h Handle, text string) error
}

// DeliveryStats counts what a Deliverer did over one interaction.
type DeliveryStats struct {
	Created   int // segments with at least one message
	Messages  int // messages created, chunks included
	Updated   int
	Overflows int
	Failures  int
}

// Deliverer executes reconcile ops against a sink and records the outcome
// in the interaction's DeliveryState.
type Deliverer struct {
	sink  Sink
	state *DeliveryState
	limit int
	log   pslog.Logger
	stats DeliveryStats
}

func NewDeliverer(sink Sink, state *DeliveryState, limit int, log pslog.Logger) *Deliverer {
	return &Deliverer{sink: sink, state: state, limit: limit, log: log}
}

// Sync reconciles segments with the state and applies the resulting ops.
func (d *Deliverer) Sync(ctx context.Context, segments []Segment) {
	d.Apply(ctx, Reconcile(segments, d.state, d.limit))
}

// Apply runs ops in order. Sink errors are logged and swallowed; a failed
// create is retried on the next sync because no handle was recorded.
func (d *Deliverer) Apply(ctx context.Context, ops []DeliveryOp) {
	for _, op := range ops {
		switch op.Kind {
		case OpCreate:
			d.create(ctx, op)
		case OpUpdate:
			d.update(ctx, op)
		}
	}
}

func (d *Deliverer) create(ctx context.Context, op DeliveryOp) {
	// Handles stay positional; a failed chunk leaves an empty handle so
	// that handles[0] always belongs to the first chunk.
	handles := make([]Handle, len(op.Chunks))
	sent := 0
	for i, chunk := range op.Chunks {
		h, err := d.sink.Create(ctx, chunk)
		if err != nil {
			d.stats.Failures++
			d.log.Warn("delivery create failed", "index", op.Index, "chunk", i, "err", err)
			continue
		}
		handles[i] = h
		sent++
	}
	if sent == 0 {
		return
	}
	d.state.recordCreate(op.Index, op.Text, handles)
	d.stats.Created++
	d.stats.Messages += sent
	d.log.Debug("segment delivered", "index", op.Index, "chunks", sent)
}

func (d *Deliverer) update(ctx context.Context, op DeliveryOp) {
	if op.Overflow {
		d.stats.Overflows++
		d.log.Warn("delivery overflow", "index", op.Index, "lost_chunks", op.LostChunks)
	}

	prev, _ := d.state.Delivered(op.Index)
	d.state.recordUpdate(op.Index, op.Text)
	if len(op.Chunks) == 0 || op.Chunks[0] == splitChunks(prev, d.limit)[0] {
		return
	}
	if op.Handle == "" {
		d.log.Warn("delivery update skipped, first chunk was never sent", "index", op.Index)
		return
	}
	if err := d.sink.Update(ctx, op.Handle, op.Chunks[0]); err != nil {
		d.stats.Failures++
		d.log.Warn("delivery update failed", "index", op.Index, "handle", op.Handle, "err", err)
		return
	}
	d.stats.Updated++
}

// Stats returns the counters so far.
func (d *Deliverer) Stats() DeliveryStats {
	return d.stats
}

// teeSink delivers to a primary sink and mirrors every message to a
// secondary one. Handles are the primary's; mirror failures are ignored.
type teeSink struct {
	primary Sink
	mirror  Sink
	handles map[Handle]Handle
}

func newTeeSink(primary, mirror Sink) Sink {
	if mirror == nil {
		return primary
	}
	return &teeSink{primary: primary, mirror: mirror, handles: make(map[Handle]Handle)}
}

func (t *teeSink) Create(ctx context.Context, text string) (Handle, error) {
	h, err := t.primary.Create(ctx, text)
	if err != nil {
		return h, err
	}
	if mh, merr := t.mirror.Create(ctx, text); merr == nil {
		t.handles[h] = mh
	}
	return h, nil
}

func (t *teeSink) Update(ctx context.Context, h Handle, text string) error {
	if mh, ok := t.handles[h]; ok {
		_ = t.mirror.Update(ctx, mh, text)
	}
	return t.primary.Update(ctx, h, text)
}
