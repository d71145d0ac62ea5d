package service

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Dedup tracks client request ids so a retried settlement call is applied at
// most once per window. Ids are scoped by operation and caller: two users
// may reuse the same id without colliding.
type Dedup struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	expires map[string]time.Time
}

// NewDedup creates a Dedup whose claims expire after ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{ttl: ttl, now: time.Now, expires: make(map[string]time.Time)}
}

func requestKey(op string, user common.Address, id string) string {
	return op + "/" + user.Hex() + "/" + id
}

// Claim records key and reports true, or reports false while an earlier
// claim on key is still live.
func (d *Dedup) Claim(key string) bool {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if exp, ok := d.expires[key]; ok && now.Before(exp) {
		return false
	}
	d.expires[key] = now.Add(d.ttl)
	return true
}

// Release drops a claim after the request failed, so the caller may retry
// with the same id.
func (d *Dedup) Release(key string) {
	d.mu.Lock()
	delete(d.expires, key)
	d.mu.Unlock()
}

// Sweep drops expired claims and returns how many were removed.
func (d *Dedup) Sweep() int {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for key, exp := range d.expires {
		if !now.Before(exp) {
			delete(d.expires, key)
			n++
		}
	}
	return n
}

// Len returns the number of live or unswept claims.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.expires)
}

// Run sweeps every interval (the ttl when interval is zero) until ctx ends.
func (d *Dedup) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = d.ttl
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			d.Sweep()
		}
	}
}
