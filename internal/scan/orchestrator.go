// Package scan drives the periodic scan loop: collector fan-out, per-pid
// enrichment, classification, and commit to the store, with an adaptive
// cadence derived from the threat profile of the scan just completed.
package scan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/procscope/backend/internal/classify"
	"github.com/procscope/backend/internal/config"
	"github.com/procscope/backend/internal/core"
	"github.com/procscope/backend/internal/metrics"
	"github.com/procscope/backend/internal/sigpool"
	"github.com/procscope/backend/internal/store"
)

const (
	// collectTimeout bounds the concurrent collector triple; exceeding it
	// aborts the whole scan.
	collectTimeout = 15 * time.Second
	// signatureTimeout is the caller-side wrapper around a pool request.
	signatureTimeout = 2 * time.Second

	intervalCritical = 5 * time.Second
	intervalHigh     = 7 * time.Second
	intervalQuiet    = 15 * time.Second
	intervalDefault  = 10 * time.Second

	// signatureOutboundThreshold: only heavy outbound talkers get a
	// signature lookup during enrichment.
	signatureOutboundThreshold = 50
)

// Collectors is the collector triple consumed by each scan.
type Collectors interface {
	ListProcesses(ctx context.Context) []core.Process
	ConnectionSummaries(ctx context.Context) map[int32]*core.ConnectionSummary
	LaunchdLabels(ctx context.Context) map[int32]string
}

// Auditor receives HIGH/CRITICAL rows after each commit.
type Auditor interface {
	Record(p core.Process)
	Sweep(alive map[int32]bool)
}

// analysisEntry caches one pid's verdict keyed by its scan fingerprint.
type analysisEntry struct {
	fingerprint string
	level       core.Level
	reasons     []string
}

// Orchestrator owns the scan loop. It is driven by a single goroutine; the
// analysis cache is not shared outside it.
type Orchestrator struct {
	collectors Collectors
	sigs       sigpool.SignatureSource
	inline     sigpool.SignatureSource
	st         *store.Store
	audit      Auditor
	metrics    *metrics.Metrics
	env        classify.Env
	cfg        config.ScannerConfig
	log        *slog.Logger

	cache        map[int32]analysisEntry
	lastInterval time.Duration
	poolDown     bool
}

// New wires an orchestrator. sigs is the preferred signature source (the
// worker pool); inline is the in-thread fallback used when the pool reports
// no live workers.
func New(
	collectors Collectors,
	sigs, inline sigpool.SignatureSource,
	st *store.Store,
	audit Auditor,
	m *metrics.Metrics,
	env classify.Env,
	cfg config.ScannerConfig,
	log *slog.Logger,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		collectors: collectors,
		sigs:       sigs,
		inline:     inline,
		st:         st,
		audit:      audit,
		metrics:    m,
		env:        env,
		cfg:        cfg,
		log:        log,
	}
}

// Run drives scans until ctx is cancelled. A panic inside a scan is logged
// and returned so the engine can begin graceful shutdown.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("orchestrator panic, shutting down", "component", "scan", "panic", r)
			err = fmt.Errorf("scan: orchestrator panic: %v", r)
		}
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		interval := o.scanOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		timer.Reset(interval)
	}
}

// scanOnce performs one full scan and returns the interval until the next.
func (o *Orchestrator) scanOnce(ctx context.Context) time.Duration {
	start := time.Now()

	procs, conns, labels, err := o.collect(ctx)
	if err != nil {
		o.log.Warn("scan aborted", "component", "scan", "error", err)
		if o.metrics != nil {
			o.metrics.ScansTotal.WithLabelValues("timeout").Inc()
		}
		return o.nextInterval(o.st.Snapshot())
	}

	// Load-shedding cap: the first N rows in collector order. Known bias:
	// suspicious processes beyond the cap are missed this scan.
	if len(procs) > o.cfg.ProcessCap {
		procs = procs[:o.cfg.ProcessCap]
	}

	byPID := make(map[int32]core.Process, len(procs))
	for _, p := range procs {
		byPID[p.PID] = p
	}

	o.enrichAll(ctx, procs, conns, labels, byPID)

	sort.SliceStable(procs, func(i, j int) bool {
		if procs[i].Level != procs[j].Level {
			return procs[i].Level > procs[j].Level
		}
		return procs[i].CPU > procs[j].CPU
	})

	committed := o.st.Update(procs)

	alive := make(map[int32]bool, len(procs))
	for _, p := range procs {
		alive[p.PID] = true
		if p.Level >= core.LevelHigh {
			o.audit.Record(p)
		}
	}
	o.audit.Sweep(alive)

	interval := o.nextInterval(procs)
	o.observe(procs, committed, time.Since(start), interval)
	return interval
}

// collect runs the three collectors concurrently under the scan deadline.
// Individual collector failures degrade to empty containers inside the
// collectors themselves; only the overall deadline aborts the scan.
func (o *Orchestrator) collect(ctx context.Context) (
	[]core.Process, map[int32]*core.ConnectionSummary, map[int32]string, error,
) {
	cctx, cancel := context.WithTimeout(ctx, collectTimeout)
	defer cancel()

	var (
		procs  []core.Process
		conns  map[int32]*core.ConnectionSummary
		labels map[int32]string
	)
	g, gctx := errgroup.WithContext(cctx)
	g.Go(func() error {
		procs = o.collectors.ListProcesses(gctx)
		return nil
	})
	g.Go(func() error {
		conns = o.collectors.ConnectionSummaries(gctx)
		return nil
	})
	g.Go(func() error {
		labels = o.collectors.LaunchdLabels(gctx)
		return nil
	})
	_ = g.Wait()

	if err := cctx.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("collector triple: %w", err)
	}
	return procs, conns, labels, nil
}

// enrichAll joins collector data per pid and classifies rows in batches of
// bounded parallelism. Every row of one scan observes the same collector
// snapshot.
func (o *Orchestrator) enrichAll(
	ctx context.Context,
	procs []core.Process,
	conns map[int32]*core.ConnectionSummary,
	labels map[int32]string,
	byPID map[int32]core.Process,
) {
	next := make(map[int32]analysisEntry, len(procs))
	var nextMu sync.Mutex

	batch := o.cfg.BatchSize
	if batch <= 0 {
		batch = 10
	}

	for startIdx := 0; startIdx < len(procs); startIdx += batch {
		end := min(startIdx+batch, len(procs))
		var wg sync.WaitGroup
		for i := startIdx; i < end; i++ {
			wg.Add(1)
			go func(p *core.Process) {
				defer wg.Done()
				entry := o.enrich(ctx, p, conns, labels, byPID)
				nextMu.Lock()
				next[p.PID] = entry
				nextMu.Unlock()
			}(&procs[i])
		}
		wg.Wait()
	}

	o.cache = next
}

// enrich fills one row's derived fields and classifies it, reusing the prior
// verdict when the fingerprint is unchanged.
func (o *Orchestrator) enrich(
	ctx context.Context,
	p *core.Process,
	conns map[int32]*core.ConnectionSummary,
	labels map[int32]string,
	byPID map[int32]core.Process,
) analysisEntry {
	conn := conns[p.PID]
	if conn != nil {
		p.Connections = *conn
	}
	if p.Connections.Remotes == nil {
		p.Connections.Remotes = []string{}
	}
	p.Launchd = labels[p.PID]
	if parent, ok := byPID[p.PPID]; ok && p.PPID != 0 {
		p.Parent = parent.Name
	}

	fp := Fingerprint(*p)
	if prev, ok := o.cache[p.PID]; ok && prev.fingerprint == fp {
		p.Level = prev.level
		p.Reasons = prev.reasons
		return prev
	}

	var sig *core.Signature
	if p.Connections.Outbound > signatureOutboundThreshold && p.ExecPath != "" {
		sig = o.lookupSignature(ctx, p.ExecPath)
	}
	p.Codesign = sig

	res := classify.Classify(classify.Input{
		Proc:    *p,
		Conn:    &p.Connections,
		Launchd: p.Launchd,
		Sig:     sig,
		Parent:  p.Parent,
		Env:     o.env,
	})
	p.Level = res.Level
	p.Reasons = res.Reasons

	return analysisEntry{fingerprint: fp, level: res.Level, reasons: res.Reasons}
}

// lookupSignature asks the pool under a short wrapper timeout, dropping to
// in-thread collection once the pool has no live workers. Signature failures
// are silent: the classifier simply sees no signature.
func (o *Orchestrator) lookupSignature(ctx context.Context, path string) *core.Signature {
	sctx, cancel := context.WithTimeout(ctx, signatureTimeout)
	defer cancel()

	sig, err := o.sigs.SignatureOf(sctx, path)
	if errors.Is(err, sigpool.ErrNoWorkers) || errors.Is(err, sigpool.ErrPoolClosed) {
		if !o.poolDown {
			o.poolDown = true
			o.log.Warn("codesign pool unavailable, using in-thread collection", "component", "scan")
		}
		sig, err = o.inline.SignatureOf(sctx, path)
	} else if o.poolDown && err == nil {
		o.poolDown = false
		o.log.Info("codesign pool available again", "component", "scan")
	}
	if err != nil {
		return nil
	}
	return sig
}

// nextInterval derives the adaptive cadence from the committed rows:
// any CRITICAL -> 5s, any HIGH -> 7s, small and quiet -> 15s, else 10s,
// clamped to the configured bounds.
func (o *Orchestrator) nextInterval(rows []core.Process) time.Duration {
	var hasCritical, hasHigh, hasMedium bool
	for _, p := range rows {
		switch p.Level {
		case core.LevelCritical:
			hasCritical = true
		case core.LevelHigh:
			hasHigh = true
		case core.LevelMedium:
			hasMedium = true
		}
	}

	interval := intervalDefault
	switch {
	case hasCritical:
		interval = intervalCritical
	case hasHigh:
		interval = intervalHigh
	case len(rows) < 100 && !hasMedium:
		interval = intervalQuiet
	}

	minI := time.Duration(o.cfg.MinIntervalSeconds) * time.Second
	maxI := time.Duration(o.cfg.MaxIntervalSeconds) * time.Second
	if minI > 0 && interval < minI {
		interval = minI
	}
	if maxI > 0 && interval > maxI {
		interval = maxI
	}

	if interval != o.lastInterval {
		o.log.Info("scan interval changed",
			"component", "scan",
			"interval", interval.String(),
			"critical", hasCritical,
			"high", hasHigh)
		o.lastInterval = interval
	}
	return interval
}

func (o *Orchestrator) observe(rows []core.Process, committed bool, took, interval time.Duration) {
	if o.metrics == nil {
		return
	}
	result := "ok"
	if !committed {
		result = "unchanged"
	}
	o.metrics.ScansTotal.WithLabelValues(result).Inc()
	o.metrics.ScanDuration.Observe(took.Seconds())
	o.metrics.ScanInterval.Set(interval.Seconds())

	st := core.ComputeStats(rows, time.Now())
	o.metrics.ObserveSequence(st.Total, st.Critical, st.High, st.Medium)

	if pool, ok := o.sigs.(*sigpool.Pool); ok {
		hits, misses := pool.CacheStats()
		o.metrics.SigCacheHits.Set(float64(hits))
		o.metrics.SigCacheMisses.Set(float64(misses))
		o.metrics.PoolWorkersAlive.Set(float64(pool.Alive()))
	}
}

// Fingerprint digests the fields whose change invalidates a cached verdict:
// pid, executable path, command line, and connection volume.
func Fingerprint(p core.Process) string {
	data := strconv.FormatInt(int64(p.PID), 10) + "|" + p.ExecPath + "|" + p.Cmd + "|" +
		strconv.Itoa(p.Connections.Total())
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
