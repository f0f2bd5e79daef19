package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procscope/backend/internal/core"
)

func suspicious(pid int32) core.Process {
	return core.Process{
		PID:   pid,
		PPID:  1,
		Name:  "keywatcher",
		User:  "alice",
		Cmd:   "keywatcher --up",
		Level: core.LevelCritical,
		Reasons: []string{
			"keylogger-with-network-activity",
		},
		Connections: core.ConnectionSummary{
			Outbound: 3,
			Remotes:  []string{"203.0.113.9:443"},
		},
		Codesign: &core.Signature{Signed: false},
	}
}

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		events = append(events, ev)
	}
	require.NoError(t, sc.Err())
	return events
}

func TestRecordAppendsJSONLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := New(path, nil)

	l.Record(suspicious(42))
	l.Close()

	events := readEvents(t, path)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, int32(42), ev.PID)
	assert.Equal(t, core.LevelCritical, ev.Level)
	assert.Equal(t, "keywatcher", ev.Name)
	assert.Contains(t, ev.Reasons, "keylogger-with-network-activity")
	assert.Equal(t, 3, ev.Connections.Outbound)
	require.NotNil(t, ev.Codesign)
	assert.False(t, ev.Codesign.Signed)
	assert.WithinDuration(t, time.Now(), ev.Timestamp, time.Minute)
}

func TestDuplicateEventsSuppressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := New(path, nil)

	p := suspicious(42)
	l.Record(p)
	l.Record(p)

	// Same pid and name at a different level is a distinct event.
	q := p
	q.Level = core.LevelHigh
	l.Record(q)
	l.Close()

	assert.Len(t, readEvents(t, path), 2)
}

func TestSweepAllowsReauditAfterPidReuse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := New(path, nil)

	l.Record(suspicious(42))
	// Pid 42 disappeared; its dedup state goes with it.
	l.Sweep(map[int32]bool{})
	l.Record(suspicious(42))
	l.Close()

	assert.Len(t, readEvents(t, path), 2)
}

func TestSweepKeepsAlivePids(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := New(path, nil)

	l.Record(suspicious(42))
	l.Sweep(map[int32]bool{42: true})
	l.Record(suspicious(42))
	l.Close()

	assert.Len(t, readEvents(t, path), 1)
}

func TestRemotesTruncatedToFive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := New(path, nil)

	p := suspicious(7)
	p.Connections.Remotes = []string{"a:1", "b:2", "c:3", "d:4", "e:5", "f:6", "g:7"}
	l.Record(p)
	l.Close()

	events := readEvents(t, path)
	require.Len(t, events, 1)
	assert.Len(t, events[0].Connections.Remotes, 5)
}

func TestCloseIdempotent(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "audit.log"), nil)
	l.Close()
	l.Close()
}
