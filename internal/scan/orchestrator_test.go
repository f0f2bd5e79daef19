package scan

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procscope/backend/internal/classify"
	"github.com/procscope/backend/internal/config"
	"github.com/procscope/backend/internal/core"
	"github.com/procscope/backend/internal/sigpool"
	"github.com/procscope/backend/internal/store"
)

type fakeCollectors struct {
	procs  []core.Process
	conns  map[int32]*core.ConnectionSummary
	labels map[int32]string
}

func (f *fakeCollectors) ListProcesses(ctx context.Context) []core.Process {
	out := make([]core.Process, len(f.procs))
	copy(out, f.procs)
	return out
}

func (f *fakeCollectors) ConnectionSummaries(ctx context.Context) map[int32]*core.ConnectionSummary {
	return f.conns
}

func (f *fakeCollectors) LaunchdLabels(ctx context.Context) map[int32]string {
	return f.labels
}

type fakeAuditor struct {
	mu      sync.Mutex
	records []core.Process
	swept   int
}

func (f *fakeAuditor) Record(p core.Process) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, p)
}

func (f *fakeAuditor) Sweep(alive map[int32]bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swept++
}

type stubSigs struct {
	mu    sync.Mutex
	calls int
	sig   *core.Signature
	err   error
}

func (s *stubSigs) SignatureOf(ctx context.Context, path string) (*core.Signature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.sig, s.err
}

func (s *stubSigs) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testCfg() config.ScannerConfig {
	return config.ScannerConfig{
		ProcessCap:         200,
		BatchSize:          10,
		MinIntervalSeconds: 5,
		MaxIntervalSeconds: 15,
	}
}

func newTestOrchestrator(fc *fakeCollectors, sigs, inline sigpool.SignatureSource) (*Orchestrator, *store.Store, *fakeAuditor) {
	st := store.New(nil)
	aud := &fakeAuditor{}
	o := New(fc, sigs, inline, st, aud, nil,
		classify.Env{Username: "alice", Home: "/Users/alice"}, testCfg(), nil)
	return o, st, aud
}

func quietProc(pid int32, name string) core.Process {
	return core.Process{
		PID: pid, Name: name, Cmd: name,
		ExecPath:    "/usr/local/bin/" + name,
		User:        "alice",
		Connections: core.ConnectionSummary{Remotes: []string{}},
		Reasons:     []string{},
	}
}

func TestScanCommitsClassifiedRows(t *testing.T) {
	fc := &fakeCollectors{
		procs: []core.Process{
			quietProc(1, "texted"),
			{PID: 2, Name: "keywatcher", Cmd: "keywatcher", User: "alice",
				Connections: core.ConnectionSummary{Remotes: []string{}}, Reasons: []string{}},
		},
		conns: map[int32]*core.ConnectionSummary{
			2: {Outbound: 3, Remotes: []string{"203.0.113.9:443"}},
		},
	}
	o, st, aud := newTestOrchestrator(fc, &stubSigs{}, &stubSigs{})

	interval := o.scanOnce(context.Background())

	rows := st.Snapshot()
	require.Len(t, rows, 2)
	// CRITICAL sorts first.
	assert.Equal(t, int32(2), rows[0].PID)
	assert.Equal(t, core.LevelCritical, rows[0].Level)
	assert.Contains(t, rows[0].Reasons, "keylogger-with-network-activity")

	// CRITICAL present drives the fastest cadence.
	assert.Equal(t, intervalCritical, interval)

	aud.mu.Lock()
	defer aud.mu.Unlock()
	require.Len(t, aud.records, 1)
	assert.Equal(t, int32(2), aud.records[0].PID)
	assert.Equal(t, 1, aud.swept)
}

func TestScanJoinsParentAndLaunchd(t *testing.T) {
	fc := &fakeCollectors{
		procs: []core.Process{
			quietProc(1, "parentapp"),
			func() core.Process {
				p := quietProc(2, "childapp")
				p.PPID = 1
				return p
			}(),
		},
		labels: map[int32]string{2: "com.example.child"},
	}
	o, st, _ := newTestOrchestrator(fc, &stubSigs{}, &stubSigs{})

	o.scanOnce(context.Background())

	p, ok := st.Get(2)
	require.True(t, ok)
	assert.Equal(t, "parentapp", p.Parent)
	assert.Equal(t, "com.example.child", p.Launchd)
}

func TestProcessCapApplied(t *testing.T) {
	fc := &fakeCollectors{}
	for i := 1; i <= 250; i++ {
		fc.procs = append(fc.procs, quietProc(int32(i), "app"))
	}
	o, st, _ := newTestOrchestrator(fc, &stubSigs{}, &stubSigs{})

	o.scanOnce(context.Background())
	assert.Len(t, st.Snapshot(), 200)
}

func TestFingerprintReuseSkipsSignatureLookup(t *testing.T) {
	sigs := &stubSigs{sig: &core.Signature{Signed: true, Valid: true, TeamID: "Example"}}
	fc := &fakeCollectors{
		procs: []core.Process{quietProc(1, "uploader")},
		conns: map[int32]*core.ConnectionSummary{
			1: {Outbound: 60, Remotes: []string{"198.51.100.4:443"}},
		},
	}
	o, _, _ := newTestOrchestrator(fc, sigs, &stubSigs{})

	o.scanOnce(context.Background())
	require.Equal(t, 1, sigs.callCount())

	// Unchanged fingerprint: the cached verdict is reused, no second lookup.
	o.scanOnce(context.Background())
	assert.Equal(t, 1, sigs.callCount())

	// Connection volume change invalidates the fingerprint.
	fc.conns[1].Outbound = 80
	o.scanOnce(context.Background())
	assert.Equal(t, 2, sigs.callCount())
}

func TestPoolFallbackToInline(t *testing.T) {
	pool := &stubSigs{err: sigpool.ErrNoWorkers}
	inline := &stubSigs{sig: &core.Signature{Signed: true, Valid: true, TeamID: "Apple Inc."}}
	fc := &fakeCollectors{
		procs: []core.Process{quietProc(1, "syncer")},
		conns: map[int32]*core.ConnectionSummary{1: {Outbound: 60, Remotes: []string{}}},
	}
	o, st, _ := newTestOrchestrator(fc, pool, inline)

	o.scanOnce(context.Background())

	require.Equal(t, 1, inline.callCount())
	p, ok := st.Get(1)
	require.True(t, ok)
	require.NotNil(t, p.Codesign)
	assert.Equal(t, "Apple Inc.", p.Codesign.TeamID)
}

func TestNextIntervalMapping(t *testing.T) {
	o, _, _ := newTestOrchestrator(&fakeCollectors{}, &stubSigs{}, &stubSigs{})

	rows := func(levels ...core.Level) []core.Process {
		var out []core.Process
		for i, l := range levels {
			out = append(out, core.Process{PID: int32(i + 1), Level: l})
		}
		return out
	}

	assert.Equal(t, intervalCritical, o.nextInterval(rows(core.LevelLow, core.LevelCritical)))
	assert.Equal(t, intervalHigh, o.nextInterval(rows(core.LevelHigh, core.LevelLow)))
	assert.Equal(t, intervalQuiet, o.nextInterval(rows(core.LevelLow, core.LevelLow)))
	assert.Equal(t, intervalDefault, o.nextInterval(rows(core.LevelMedium)))

	big := make([]core.Process, 120)
	assert.Equal(t, intervalDefault, o.nextInterval(big))
}

func TestCadenceStaysWithinBounds(t *testing.T) {
	o, _, _ := newTestOrchestrator(&fakeCollectors{}, &stubSigs{}, &stubSigs{})

	for _, rows := range [][]core.Process{
		nil,
		{{PID: 1, Level: core.LevelCritical}},
		{{PID: 1, Level: core.LevelHigh}},
		make([]core.Process, 150),
	} {
		got := o.nextInterval(rows)
		assert.GreaterOrEqual(t, got, 5*time.Second)
		assert.LessOrEqual(t, got, 15*time.Second)
	}
}

func TestSortCriticalFirstThenCPU(t *testing.T) {
	a := quietProc(1, "app")
	a.CPU = 90
	b := quietProc(2, "keywatcher")
	b.Cmd = "keywatcher"
	b.Name = "keywatcher"
	c := quietProc(3, "other")
	c.CPU = 10

	fc := &fakeCollectors{
		procs: []core.Process{a, b, c},
		conns: map[int32]*core.ConnectionSummary{2: {Outbound: 3, Remotes: []string{}}},
	}
	o, st, _ := newTestOrchestrator(fc, &stubSigs{}, &stubSigs{})

	o.scanOnce(context.Background())

	rows := st.Snapshot()
	require.Len(t, rows, 3)
	assert.Equal(t, int32(2), rows[0].PID, "critical row leads")
	assert.Equal(t, int32(1), rows[1].PID, "ties broken by cpu descending")
	assert.Equal(t, int32(3), rows[2].PID)
}

func TestRunReturnsOnCancel(t *testing.T) {
	o, _, _ := newTestOrchestrator(&fakeCollectors{}, &stubSigs{}, &stubSigs{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	p := quietProc(1, "app")
	base := Fingerprint(p)

	q := p
	q.Cmd = "app --other"
	assert.NotEqual(t, base, Fingerprint(q))

	r := p
	r.Connections.Outbound = 5
	assert.NotEqual(t, base, Fingerprint(r))

	s := p
	s.CPU = 99 // cpu is not part of the fingerprint
	assert.Equal(t, base, Fingerprint(s))
}
