package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sentra/agent/internal/observability"
)

// BundlerConfig configures the message bundler's coalescing window.
type BundlerConfig struct {
	// WindowMs is how long to wait for additional messages after the last
	// one before closing the bundle.
	WindowMs time.Duration
	// MaxMs is the hard ceiling on how long a bundle may stay open,
	// regardless of how recently a message arrived.
	MaxMs time.Duration
}

// DefaultBundlerConfig mirrors the BUNDLE_WINDOW_MS/BUNDLE_MAX_MS env
// defaults.
func DefaultBundlerConfig() BundlerConfig {
	return BundlerConfig{WindowMs: 500 * time.Millisecond, MaxMs: 2000 * time.Millisecond}
}

// senderState holds per-sender bundling and pending-message state. Fields
// are guarded by Bundler.mu; the outer key (sender) stripes the lock so a
// burst from one sender never blocks another.
type senderState struct {
	bundle  *Bundle
	pending []*IncomingMessage
	busy    bool // true while an ActiveTask holds this sender's slot
}

// Bundler performs time-window coalescing of consecutive messages per
// sender, with PendingMessage buffering while a sender is busy.
//
// The window is implemented as "sleep in windowMs increments, check the
// elapsed time since the last message and since open" rather than one timer
// per message — this avoids a timer leak under message bursts.
type Bundler struct {
	cfg     BundlerConfig
	onSeal  func(ctx context.Context, convKey ConversationKey, bundled *IncomingMessage)
	logger  *slog.Logger
	metrics *observability.Metrics

	mu    sync.Mutex
	state map[string]*senderState
}

// SetMetrics wires optional Prometheus recording for sealed bundles. Nil is
// valid and skips recording entirely.
func (b *Bundler) SetMetrics(m *observability.Metrics) { b.metrics = m }

// NewBundler creates a Bundler. onSeal is invoked once a bundle closes (or a
// pending-drain completes), with the synthesized IncomingMessage.
func NewBundler(cfg BundlerConfig, onSeal func(ctx context.Context, convKey ConversationKey, bundled *IncomingMessage), logger *slog.Logger) *Bundler {
	if cfg.WindowMs <= 0 {
		cfg.WindowMs = DefaultBundlerConfig().WindowMs
	}
	if cfg.MaxMs <= 0 {
		cfg.MaxMs = DefaultBundlerConfig().MaxMs
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bundler{cfg: cfg, onSeal: onSeal, logger: logger, state: make(map[string]*senderState)}
}

// MarkBusy flags a sender as holding an active task slot; subsequent
// Enqueue calls append to PendingMessages instead of opening a new bundle.
func (b *Bundler) MarkBusy(sender string, busy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.senderStateLocked(sender)
	st.busy = busy
}

// Enqueue handles one inbound message for sender, with a three-way branch:
//  1. open bundle exists -> append, reset lastUpdatedAt.
//  2. active task exists -> append to PendingMessages.
//  3. otherwise -> open a new bundle and start its watcher.
//
// A race between an open Bundle and a newly set busy flag resolves in the
// bundle's favor: an append to an already-open bundle always wins over a
// concurrent MarkBusy.
func (b *Bundler) Enqueue(ctx context.Context, sender string, msg *IncomingMessage) {
	b.mu.Lock()
	st := b.senderStateLocked(sender)

	if st.bundle != nil && st.bundle.Collecting {
		added := st.bundle.dedupAdd(msg)
		if added {
			st.bundle.LastUpdatedAt = time.Now()
		}
		b.mu.Unlock()
		return
	}

	if st.busy {
		st.pending = append(st.pending, msg)
		b.mu.Unlock()
		return
	}

	now := time.Now()
	bundle := &Bundle{FirstMsg: msg, OpenedAt: now, LastUpdatedAt: now, Collecting: true}
	bundle.dedupAdd(msg)
	st.bundle = bundle
	b.mu.Unlock()

	go b.watch(ctx, sender, bundle)
}

// PendingMessages returns and clears the buffered pending messages for a
// sender, merged into a single synthesized IncomingMessage, or nil if none
// are pending. Used when completeTask fires and the sender's slot frees.
func (b *Bundler) DrainPending(sender string) *IncomingMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state[sender]
	if st == nil || len(st.pending) == 0 {
		return nil
	}
	msgs := st.pending
	st.pending = nil
	bundle := &Bundle{FirstMsg: msgs[0], Messages: msgs}
	return bundle.Synthesize()
}

// HasPending reports whether a sender has buffered pending messages without
// draining them.
func (b *Bundler) HasPending(sender string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state[sender]
	return st != nil && len(st.pending) > 0
}

func (b *Bundler) senderStateLocked(sender string) *senderState {
	st, ok := b.state[sender]
	if !ok {
		st = &senderState{}
		b.state[sender] = st
	}
	return st
}

// watch polls the bundle until the window closes or maxMs elapses, then
// seals it. At most one watcher runs per open bundle.
func (b *Bundler) watch(ctx context.Context, sender string, bundle *Bundle) {
	tick := b.cfg.WindowMs
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}
	for {
		select {
		case <-ctx.Done():
			b.seal(ctx, sender, bundle, "ctx_done")
			return
		case <-time.After(tick):
		}

		b.mu.Lock()
		idle := time.Since(bundle.LastUpdatedAt)
		elapsed := time.Since(bundle.OpenedAt)
		reason := ""
		if elapsed >= b.cfg.MaxMs {
			reason = "size_cap"
		} else if idle >= b.cfg.WindowMs {
			reason = "window"
		}
		b.mu.Unlock()

		if reason != "" {
			b.seal(ctx, sender, bundle, reason)
			return
		}
	}
}

func (b *Bundler) seal(ctx context.Context, sender string, bundle *Bundle, reason string) {
	b.mu.Lock()
	st := b.state[sender]
	if st == nil || st.bundle != bundle {
		b.mu.Unlock()
		return
	}
	bundle.Collecting = false
	st.bundle = nil
	b.mu.Unlock()

	synthesized := bundle.Synthesize()
	messageCount := len(bundle.Messages)
	observability.EmitBundleSealed(&observability.BundleSealedEvent{
		ConvKey:      string(BuildConversationKey(synthesized)),
		Reason:       reason,
		MessageCount: messageCount,
		WindowWaitMs: time.Since(bundle.OpenedAt).Milliseconds(),
	})
	if b.metrics != nil {
		b.metrics.RecordBundleSealed(reason, messageCount)
	}

	if b.onSeal != nil {
		b.onSeal(ctx, BuildConversationKey(synthesized), synthesized)
	}
}
