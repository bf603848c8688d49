package services

import (
	"sync"
	"time"
)

// DefaultFingerprintMaxAge bounds how long an unacknowledged fingerprint is
// remembered before Prune forgets it.
const DefaultFingerprintMaxAge = 30 * time.Minute

// PendingDelivery is one live push awaiting acknowledgement.
type PendingDelivery struct {
	Fingerprint string    `json:"fingerprint"`
	MessageID   string    `json:"message_id"`
	UserID      string    `json:"user_id"`
	PushedAt    time.Time `json:"pushed_at"`
	// Lost is set once the push was reported lost. The entry stays so a
	// late ack can still mark the message delivered.
	Lost bool `json:"lost,omitempty"`
}

// Fingerprints maps transport fingerprints back to the message they carry.
// Entries are recorded before the push, so an acknowledgement can never
// arrive ahead of its mapping. Safe for concurrent use.
type Fingerprints struct {
	mu      sync.Mutex
	pending map[string]PendingDelivery
	now     func() time.Time
}

// NewFingerprints returns an empty table. now may be nil.
func NewFingerprints(now func() time.Time) *Fingerprints {
	if now == nil {
		now = time.Now
	}
	return &Fingerprints{pending: make(map[string]PendingDelivery), now: now}
}

// Record remembers that fingerprint carries messageID to userID.
func (f *Fingerprints) Record(fingerprint, messageID, userID string) {
	f.mu.Lock()
	f.pending[fingerprint] = PendingDelivery{
		Fingerprint: fingerprint,
		MessageID:   messageID,
		UserID:      userID,
		PushedAt:    f.now(),
	}
	pendingFingerprints.Set(float64(len(f.pending)))
	f.mu.Unlock()
}

// Resolve looks a fingerprint up without removing it.
func (f *Fingerprints) Resolve(fingerprint string) (PendingDelivery, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[fingerprint]
	return p, ok
}

// Take removes and returns the entry for fingerprint.
func (f *Fingerprints) Take(fingerprint string) (PendingDelivery, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[fingerprint]
	if ok {
		delete(f.pending, fingerprint)
		pendingFingerprints.Set(float64(len(f.pending)))
	}
	return p, ok
}

// MarkLost flags the entry for fingerprint as lost and returns it. It
// reports false for unknown fingerprints and for entries already flagged,
// so each loss is surfaced once.
func (f *Fingerprints) MarkLost(fingerprint string) (PendingDelivery, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[fingerprint]
	if !ok || p.Lost {
		return PendingDelivery{}, false
	}
	p.Lost = true
	f.pending[fingerprint] = p
	return p, true
}

// Forget drops fingerprint.
func (f *Fingerprints) Forget(fingerprint string) {
	f.mu.Lock()
	delete(f.pending, fingerprint)
	pendingFingerprints.Set(float64(len(f.pending)))
	f.mu.Unlock()
}

// Prune drops every entry older than maxAge and returns how many were dropped.
func (f *Fingerprints) Prune(maxAge time.Duration) int {
	cutoff := f.now().Add(-maxAge)
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for fp, p := range f.pending {
		if p.PushedAt.Before(cutoff) {
			delete(f.pending, fp)
			n++
		}
	}
	pendingFingerprints.Set(float64(len(f.pending)))
	return n
}

// Len returns the number of pending entries.
func (f *Fingerprints) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}
