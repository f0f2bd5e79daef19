// Package audit appends HIGH and CRITICAL classifications to a JSON-lines
// log. Writes happen on a dedicated goroutine so scans never block on disk,
// and write errors are logged but never propagated.
package audit

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/procscope/backend/internal/core"
)

// DefaultPath is the audit log location relative to the user's home.
const DefaultPath = ".procscope/suspicious-processes.log"

const queueSize = 256

// Event is one audit log line.
type Event struct {
	Timestamp   time.Time       `json:"timestamp"`
	Level       core.Level      `json:"level"`
	PID         int32           `json:"pid"`
	PPID        int32           `json:"ppid,omitempty"`
	Name        string          `json:"name"`
	User        string          `json:"user"`
	Cmd         string          `json:"cmd"`
	ExecPath    string          `json:"execPath,omitempty"`
	Parent      string          `json:"parent,omitempty"`
	Reasons     []string        `json:"reasons"`
	Connections auditConns      `json:"connections"`
	Codesign    *auditSignature `json:"codesign,omitempty"`
}

type auditConns struct {
	Outbound int      `json:"outbound"`
	Listen   int      `json:"listen"`
	Remotes  []string `json:"remotes"`
}

type auditSignature struct {
	Signed    bool   `json:"signed"`
	Valid     bool   `json:"valid"`
	TeamID    string `json:"teamId,omitempty"`
	Notarized bool   `json:"notarized,omitempty"`
}

// Logger is the asynchronous audit appender. Events are deduplicated by
// pid|name|level for as long as the pid stays alive.
type Logger struct {
	path  string
	log   *slog.Logger
	queue chan Event
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	mu       sync.Mutex
	seen     map[string]int32 // dedup key -> pid
	onWrite  func()
	onDrop   func()
	disabled bool
}

// New returns a logger appending to path; empty path resolves to DefaultPath
// under the user's home directory.
func New(path string, log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Warn("audit log disabled, home directory unknown", "component", "audit", "error", err)
			return &Logger{log: log, disabled: true, seen: make(map[string]int32)}
		}
		path = filepath.Join(home, DefaultPath)
	}
	l := &Logger{
		path:  path,
		log:   log,
		queue: make(chan Event, queueSize),
		done:  make(chan struct{}),
		seen:  make(map[string]int32),
	}
	l.wg.Add(1)
	go l.writeLoop()
	return l
}

// SetHooks installs optional write/drop callbacks for metrics.
func (l *Logger) SetHooks(onWrite, onDrop func()) {
	l.onWrite = onWrite
	l.onDrop = onDrop
}

// Record queues one suspicious process for appending. Duplicate
// (pid, name, level) events within the process lifetime are skipped; a full
// queue drops the event rather than blocking the scan.
func (l *Logger) Record(p core.Process) {
	if l.disabled {
		return
	}
	key := strconv.FormatInt(int64(p.PID), 10) + "|" + p.Name + "|" + p.Level.String()

	l.mu.Lock()
	if _, dup := l.seen[key]; dup {
		l.mu.Unlock()
		return
	}
	l.seen[key] = p.PID
	l.mu.Unlock()

	select {
	case l.queue <- eventFrom(p):
	default:
		l.log.Warn("audit queue full, dropping event", "component", "audit", "pid", p.PID)
		if l.onDrop != nil {
			l.onDrop()
		}
	}
}

// Sweep drops dedup state for pids no longer alive, so a recurring process
// under a reused pid is audited again.
func (l *Logger) Sweep(alive map[int32]bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, pid := range l.seen {
		if !alive[pid] {
			delete(l.seen, key)
		}
	}
}

// Close flushes queued events and stops the writer.
func (l *Logger) Close() {
	if l.disabled {
		return
	}
	l.once.Do(func() {
		close(l.done)
		l.wg.Wait()
	})
}

func eventFrom(p core.Process) Event {
	remotes := p.Connections.Remotes
	if len(remotes) > 5 {
		remotes = remotes[:5]
	}
	ev := Event{
		Timestamp: time.Now(),
		Level:     p.Level,
		PID:       p.PID,
		PPID:      p.PPID,
		Name:      p.Name,
		User:      p.User,
		Cmd:       p.Cmd,
		ExecPath:  p.ExecPath,
		Parent:    p.Parent,
		Reasons:   p.Reasons,
		Connections: auditConns{
			Outbound: p.Connections.Outbound,
			Listen:   p.Connections.Listen,
			Remotes:  remotes,
		},
	}
	if p.Codesign != nil {
		ev.Codesign = &auditSignature{
			Signed:    p.Codesign.Signed,
			Valid:     p.Codesign.Valid,
			TeamID:    p.Codesign.TeamID,
			Notarized: p.Codesign.Notarized,
		}
	}
	return ev
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case ev := <-l.queue:
			l.append(ev)
		case <-l.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case ev := <-l.queue:
					l.append(ev)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) append(ev Event) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		l.log.Warn("audit log mkdir failed", "component", "audit", "error", err)
		return
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.log.Warn("audit log open failed", "component", "audit", "error", err)
		return
	}
	defer f.Close()

	line, err := json.Marshal(ev)
	if err != nil {
		l.log.Warn("audit event marshal failed", "component", "audit", "error", err)
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		l.log.Warn("audit log write failed", "component", "audit", "error", err)
		return
	}
	if l.onWrite != nil {
		l.onWrite()
	}
}
