package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Defaults for the liveness sweep.
const (
	DefaultHeartbeatTimeout = 10 * time.Minute
	DefaultSweepInterval    = time.Minute
)

// Tracker keeps Session heartbeats fresh and periodically evicts Sessions
// that have been silent for longer than the configured threshold. It is the
// only source of time-based eviction.
//
// Thread-safe: Touch and SweepExpired may be called concurrently with each
// other and with Registry mutations.
type Tracker struct {
	reg       *Registry
	interval  time.Duration
	threshold time.Duration

	onEvicted   func(userIDs []string)
	beforeEvict func(userID string) // test hook

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTracker returns a Tracker for reg. Zero durations fall back to the
// defaults.
func NewTracker(reg *Registry, interval, threshold time.Duration) *Tracker {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if threshold <= 0 {
		threshold = DefaultHeartbeatTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		reg:       reg,
		interval:  interval,
		threshold: threshold,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetOnEvicted registers a callback invoked after every sweep that evicted
// at least one Session. Must be set before Run.
func (t *Tracker) SetOnEvicted(fn func(userIDs []string)) {
	t.onEvicted = fn
}

// Touch records a heartbeat for userID. A heartbeat for a user without a
// Session is dropped silently.
func (t *Tracker) Touch(userID string) bool {
	return t.reg.touch(userID)
}

// SweepExpired evicts every Session whose last heartbeat is older than
// threshold and returns the evicted user IDs. Freshness is re-checked for
// each entry under its shard lock at eviction time, so a heartbeat that
// lands mid-sweep keeps its Session.
func (t *Tracker) SweepExpired(threshold time.Duration) []string {
	candidates := t.reg.staleBefore(t.reg.now().Add(-threshold))
	evicted := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if t.beforeEvict != nil {
			t.beforeEvict(id)
		}
		cutoff := t.reg.now().Add(-threshold)
		fresh := func(s *Session) bool { return !s.LastHeartbeatAt.Before(cutoff) }
		if t.reg.remove(id, "", ReasonExpired, fresh) {
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Start runs the sweep in its own goroutine. Stop waits for it.
func (t *Tracker) Start(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.Run(ctx)
	}()
}

// Run sweeps every interval until ctx is cancelled or Stop is called. It
// blocks; use Start to have Stop wait for it.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	logger := log.With().Str("component", "liveness").Logger()
	logger.Info().Dur("interval", t.interval).Dur("threshold", t.threshold).Msg("liveness sweep started")

	for {
		select {
		case <-ticker.C:
			evicted := t.SweepExpired(t.threshold)
			if len(evicted) == 0 {
				continue
			}
			logger.Info().Int("evicted", len(evicted)).Strs("user_ids", evicted).Msg("expired sessions evicted")
			if t.onEvicted != nil {
				t.onEvicted(evicted)
			}
		case <-ctx.Done():
			logger.Info().Msg("liveness sweep stopping due to context cancellation")
			return
		case <-t.ctx.Done():
			logger.Info().Msg("liveness sweep stopping due to internal cancellation")
			return
		}
	}
}

// Stop cancels Run and waits for a sweep launched by Start to return.
func (t *Tracker) Stop() {
	t.cancel()
	t.wg.Wait()
}
