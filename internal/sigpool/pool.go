// Package sigpool offloads blocking code-signature extraction onto a fixed
// set of workers so the scan loop never waits on codesign directly. The pool
// and its in-thread fallback implement the same single-method capability.
package sigpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/procscope/backend/internal/core"
	"github.com/procscope/backend/internal/sigcache"
)

const (
	// DefaultWorkers is the pool size when the config does not override it.
	DefaultWorkers = 2
	// taskTimeout bounds one signature extraction inside a worker.
	taskTimeout = 5 * time.Second
)

var (
	// ErrPoolClosed is returned for tasks queued or pending at shutdown.
	ErrPoolClosed = errors.New("sigpool: pool closed")
	// ErrNoWorkers is returned once every worker has crashed; callers fall
	// back to in-thread collection.
	ErrNoWorkers = errors.New("sigpool: no live workers")
)

// SignatureSource resolves an executable path to its signature. Implemented
// by Pool and by Inline.
type SignatureSource interface {
	SignatureOf(ctx context.Context, path string) (*core.Signature, error)
}

// CollectFunc is the underlying signature collector.
type CollectFunc func(ctx context.Context, path string) *core.Signature

// Inline is the fallback SignatureSource that collects on the caller's
// goroutine, used when the pool is unavailable.
type Inline struct {
	Collect CollectFunc
}

// SignatureOf runs the collector directly.
func (i Inline) SignatureOf(ctx context.Context, path string) (*core.Signature, error) {
	return i.Collect(ctx, path), nil
}

type task struct {
	path string
	resp chan taskResult
}

type taskResult struct {
	sig *core.Signature
	err error
}

// Pool is a fixed-size codesign worker pool. Workers that panic are not
// restarted; the pool continues with survivors and fails fast once none
// remain. The pool exclusively owns the signature cache.
type Pool struct {
	collect CollectFunc
	stat    sigcache.StatFunc
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	tasks  chan *task
	wg     sync.WaitGroup

	live   atomic.Int32
	closed atomic.Bool

	cacheMu sync.Mutex
	cache   *sigcache.Cache
}

// NewPool starts workers servicing signature requests through cache.
func NewPool(workers int, collect CollectFunc, cache *sigcache.Cache, log *slog.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		collect: collect,
		stat:    sigcache.OSStat,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(chan *task, workers*4),
		cache:   cache,
	}
	p.live.Store(int32(workers))
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
	return p
}

// Alive returns the number of live workers.
func (p *Pool) Alive() int { return int(p.live.Load()) }

// SignatureOf queues a signature request and waits for its result. It fails
// fast with ErrNoWorkers when every worker has crashed and with ErrPoolClosed
// after shutdown; a cancelled caller context aborts the wait.
func (p *Pool) SignatureOf(ctx context.Context, path string) (*core.Signature, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if p.live.Load() == 0 {
		return nil, ErrNoWorkers
	}

	t := &task{path: path, resp: make(chan taskResult, 1)}
	select {
	case p.tasks <- t:
	case <-p.ctx.Done():
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-t.resp:
		return res.sig, res.err
	case <-p.ctx.Done():
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops the workers and fails every queued task.
func (p *Pool) Shutdown() {
	if p.closed.Swap(true) {
		return
	}
	p.cancel()
	p.wg.Wait()
	for {
		select {
		case t := <-p.tasks:
			t.resp <- taskResult{err: ErrPoolClosed}
		default:
			return
		}
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case t := <-p.tasks:
			if !p.runTask(t) {
				p.live.Add(-1)
				p.log.Warn("codesign worker crashed, continuing with survivors",
					"component", "sigpool", "worker", id, "alive", p.live.Load())
				return
			}
		}
	}
}

// runTask executes one signature extraction, consulting and feeding the
// cache. A false return means the task panicked and the worker must retire.
func (p *Pool) runTask(t *task) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			t.resp <- taskResult{err: fmt.Errorf("sigpool: worker panic: %v", r)}
		}
	}()

	if sig, hit := p.cacheLookup(t.path); hit {
		t.resp <- taskResult{sig: &sig}
		return true
	}

	ctx, cancel := context.WithTimeout(p.ctx, taskTimeout)
	defer cancel()

	sig := p.collect(ctx, t.path)
	if err := ctx.Err(); err != nil {
		t.resp <- taskResult{err: err}
		return true
	}
	if sig != nil {
		if id, err := p.stat(t.path); err == nil {
			p.cacheInsert(t.path, *sig, id)
		}
	}
	t.resp <- taskResult{sig: sig}
	return true
}

func (p *Pool) cacheLookup(path string) (core.Signature, bool) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	return p.cache.Lookup(path)
}

func (p *Pool) cacheInsert(path string, sig core.Signature, id sigcache.FileIdentity) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	p.cache.Insert(path, sig, id)
}

// CacheStats reports the cache hit/miss counters for metrics export.
func (p *Pool) CacheStats() (hits, misses uint64) {
	return p.cache.Hits(), p.cache.Misses()
}
