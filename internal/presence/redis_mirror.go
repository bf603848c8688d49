package presence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const (
	// DefaultOnlineKey is the Redis set holding the IDs of online users.
	DefaultOnlineKey = "presence:online"

	// DefaultReconcileInterval is how often a drifted mirror is rebuilt from
	// its source.
	DefaultReconcileInterval = 30 * time.Second
)

// setClient is the subset of redis.Cmdable the mirror needs.
type setClient interface {
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type mirrorOp struct {
	userID string
	online bool
}

// RedisMirror is an Observer that mirrors the local online set into a Redis
// set so other processes can read presence. Updates are queued and applied
// by Run; when the queue is full the update is dropped and logged, never
// blocking the registry. A dropped or failed update marks the mirror dirty,
// and with a source set Run rebuilds the set from it on the next reconcile
// tick.
type RedisMirror struct {
	client  setClient
	key     string
	timeout time.Duration
	ops     chan mirrorOp
	wg      sync.WaitGroup

	source         func() []string
	reconcileEvery time.Duration
	dirty          atomic.Bool
}

// NewRedisMirror returns a mirror writing to key (DefaultOnlineKey when empty).
func NewRedisMirror(client setClient, key string, buffer int) *RedisMirror {
	if key == "" {
		key = DefaultOnlineKey
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &RedisMirror{
		client:  client,
		key:     key,
		timeout: 2 * time.Second,
		ops:     make(chan mirrorOp, buffer),
	}
}

func (m *RedisMirror) SessionOpened(userID string, _ Conn) {
	m.enqueue(mirrorOp{userID: userID, online: true})
}

func (m *RedisMirror) SessionClosed(userID string, _ CloseReason) {
	m.enqueue(mirrorOp{userID: userID, online: false})
}

func (m *RedisMirror) enqueue(op mirrorOp) {
	select {
	case m.ops <- op:
	default:
		m.dirty.Store(true)
		log.Warn().Str("component", "redis_mirror").Str("user_id", op.userID).Bool("online", op.online).Msg("presence mirror queue full, update dropped")
	}
}

// Reset clears the mirrored set. Call once at startup, before any Session
// exists, so entries left by a previous process do not linger.
func (m *RedisMirror) Reset(ctx context.Context) error {
	return m.client.Del(ctx, m.key).Err()
}

// Members returns the mirrored online set.
func (m *RedisMirror) Members(ctx context.Context) ([]string, error) {
	return m.client.SMembers(ctx, m.key).Result()
}

// SetSource names the authoritative online list, normally
// Registry.ListOnlineUserIDs, used to repair the mirror after drops. every
// <= 0 selects DefaultReconcileInterval. Must be called before Run.
func (m *RedisMirror) SetSource(source func() []string, every time.Duration) {
	if every <= 0 {
		every = DefaultReconcileInterval
	}
	m.source = source
	m.reconcileEvery = every
}

// Reconcile makes the mirrored set equal to online and returns how many
// members were added and removed.
func (m *RedisMirror) Reconcile(ctx context.Context, online []string) (added, removed int, err error) {
	current, err := m.client.SMembers(ctx, m.key).Result()
	if err != nil {
		return 0, 0, err
	}
	missing, extra := lo.Difference(lo.Uniq(online), current)
	if len(missing) > 0 {
		if err := m.client.SAdd(ctx, m.key, lo.ToAnySlice(missing)...).Err(); err != nil {
			return 0, 0, err
		}
	}
	if len(extra) > 0 {
		if err := m.client.SRem(ctx, m.key, lo.ToAnySlice(extra)...).Err(); err != nil {
			return len(missing), 0, err
		}
	}
	return len(missing), len(extra), nil
}

func (m *RedisMirror) reconcileIfDirty() {
	if m.source == nil || !m.dirty.Swap(false) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	added, removed, err := m.Reconcile(ctx, m.source())
	if err != nil {
		m.dirty.Store(true)
		log.Error().Err(err).Str("component", "redis_mirror").Msg("presence mirror reconcile failed")
		return
	}
	log.Info().Str("component", "redis_mirror").Int("added", added).Int("removed", removed).Msg("presence mirror reconciled")
}

// Start runs the mirror in its own goroutine. Wait blocks until it returns.
func (m *RedisMirror) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.Run(ctx)
	}()
}

// Run applies queued updates until ctx is cancelled, then drains what is
// left in the queue. With a source set it also reconciles a dirty mirror
// every reconcile interval.
func (m *RedisMirror) Run(ctx context.Context) {
	var tick <-chan time.Time
	if m.source != nil {
		t := time.NewTicker(m.reconcileEvery)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case op := <-m.ops:
			m.apply(op)
		case <-tick:
			m.reconcileIfDirty()
		case <-ctx.Done():
			for {
				select {
				case op := <-m.ops:
					m.apply(op)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until a mirror launched by Start has returned.
func (m *RedisMirror) Wait() { m.wg.Wait() }

func (m *RedisMirror) apply(op mirrorOp) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var err error
	if op.online {
		err = m.client.SAdd(ctx, m.key, op.userID).Err()
	} else {
		err = m.client.SRem(ctx, m.key, op.userID).Err()
	}
	if err != nil {
		m.dirty.Store(true)
		log.Error().Err(err).Str("component", "redis_mirror").Str("user_id", op.userID).Msg("presence mirror update failed")
	}
}
