// Package store holds the latest committed process sequence and fans a
// change signal out to subscribers. Writers serialize through Update; readers
// get immutable snapshots without taking a lock.
package store

import (
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/procscope/backend/internal/core"
)

type snapshot struct {
	rows   []core.Process
	stats  core.Stats
	digest string
}

// Store is the single authoritative process sequence. Commits are totally
// ordered; every subscriber observes them in commit order.
type Store struct {
	writeMu sync.Mutex
	current atomic.Pointer[snapshot]

	subMu sync.Mutex
	subs  map[string]chan struct{}

	log *slog.Logger
	now func() time.Time
}

// New returns an empty store.
func New(log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		subs: make(map[string]chan struct{}),
		log:  log,
		now:  time.Now,
	}
	s.current.Store(&snapshot{rows: []core.Process{}, digest: Digest(nil)})
	return s
}

// Digest computes the stability digest of a sequence:
// len|pid:round(cpu*10):level:(outbound+listen) per row. CPU is rounded to
// one decimal by design, so sub-0.1% fluctuations (and remote-set changes
// that keep outbound+listen constant) do not produce a new commit.
func Digest(rows []core.Process) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(len(rows)))
	for _, p := range rows {
		b.WriteByte('|')
		b.WriteString(strconv.FormatInt(int64(p.PID), 10))
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(int64(math.Round(p.CPU*10)), 10))
		b.WriteByte(':')
		b.WriteString(p.Level.String())
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(p.Connections.Total()))
	}
	return b.String()
}

// Update commits a new sequence. When the digest matches the current one the
// commit is a no-op and subscribers are not notified. Returns whether a new
// snapshot was published.
func (s *Store) Update(rows []core.Process) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	digest := Digest(rows)
	if digest == s.current.Load().digest {
		return false
	}

	s.current.Store(&snapshot{
		rows:   rows,
		stats:  core.ComputeStats(rows, s.now()),
		digest: digest,
	})
	s.notify()
	return true
}

// Snapshot returns the current sequence. Callers must treat it as immutable.
func (s *Store) Snapshot() []core.Process {
	return s.current.Load().rows
}

// Stats returns the aggregates cached at the last commit.
func (s *Store) Stats() core.Stats {
	return s.current.Load().stats
}

// Get returns the record for one pid from the current sequence.
func (s *Store) Get(pid int32) (core.Process, bool) {
	for _, p := range s.current.Load().rows {
		if p.PID == pid {
			return p, true
		}
	}
	return core.Process{}, false
}

// Subscribe registers a change signal. The channel carries no data; on wake,
// subscribers snapshot the store and diff against their own last-sent state.
func (s *Store) Subscribe(id string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.subMu.Lock()
	s.subs[id] = ch
	s.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber's signal channel.
func (s *Store) Unsubscribe(id string) {
	s.subMu.Lock()
	delete(s.subs, id)
	s.subMu.Unlock()
}

// SubscriberCount returns the number of registered subscribers.
func (s *Store) SubscriberCount() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs)
}

// notify signals every subscriber without holding the lock during sends. The
// signal channel is 1-buffered; a subscriber that has not drained its pending
// signal needs no second one, it will see the newest snapshot on wake.
func (s *Store) notify() {
	s.subMu.Lock()
	targets := make([]chan struct{}, 0, len(s.subs))
	for _, ch := range s.subs {
		targets = append(targets, ch)
	}
	s.subMu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
