// Package core defines the domain model shared by the scanner, the store,
// and the push protocol: process records, connection summaries, code
// signatures, and suspicion levels.
package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// MaxRemotes bounds the distinct remote endpoints sampled per process.
const MaxRemotes = 10

// Level is a process suspicion level. Levels are totally ordered:
// LOW < MED < HIGH < CRITICAL.
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the level as its lowercase string form.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes a lowercase level string.
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "low":
		*l = LevelLow
	case "medium":
		*l = LevelMedium
	case "high":
		*l = LevelHigh
	case "critical":
		*l = LevelCritical
	default:
		return fmt.Errorf("unknown suspicion level %q", s)
	}
	return nil
}

// ConnectionSummary aggregates a process's sockets at scan time.
type ConnectionSummary struct {
	Outbound int      `json:"outbound"`
	Listen   int      `json:"listen"`
	Remotes  []string `json:"remotes"`
}

// AddRemote records a distinct remote endpoint, up to MaxRemotes.
func (c *ConnectionSummary) AddRemote(remote string) {
	if remote == "" || len(c.Remotes) >= MaxRemotes {
		return
	}
	for _, r := range c.Remotes {
		if r == remote {
			return
		}
	}
	c.Remotes = append(c.Remotes, remote)
}

// Total returns outbound+listen, the volume term used by the store digest
// and the analysis fingerprint.
func (c ConnectionSummary) Total() int {
	return c.Outbound + c.Listen
}

func (c ConnectionSummary) equal(o ConnectionSummary) bool {
	if c.Outbound != o.Outbound || c.Listen != o.Listen || len(c.Remotes) != len(o.Remotes) {
		return false
	}
	for i := range c.Remotes {
		if c.Remotes[i] != o.Remotes[i] {
			return false
		}
	}
	return true
}

// Signature is the code-signing state of an executable. Authorities and
// Identifier are used by the classifier but deliberately kept off the wire:
// the push protocol only carries the summary fields.
type Signature struct {
	Signed      bool     `json:"signed"`
	Valid       bool     `json:"valid"`
	TeamID      string   `json:"teamId,omitempty"`
	Notarized   bool     `json:"notarized,omitempty"`
	AppStore    bool     `json:"appStore,omitempty"`
	Authorities []string `json:"-"`
	Identifier  string   `json:"-"`
}

// Equal reports full structural equality, including non-wire fields.
func (s *Signature) Equal(o *Signature) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.Signed != o.Signed || s.Valid != o.Valid || s.TeamID != o.TeamID ||
		s.Notarized != o.Notarized || s.AppStore != o.AppStore ||
		s.Identifier != o.Identifier || len(s.Authorities) != len(o.Authorities) {
		return false
	}
	for i := range s.Authorities {
		if s.Authorities[i] != o.Authorities[i] {
			return false
		}
	}
	return true
}

// Process is one running process as observed at a scan, enriched with its
// connections, service registration, signature, and classification.
//
// JSON field order is fixed by declaration order and optional fields use
// omitempty uniformly, so clients that digest frames byte-wise see a stable
// serialization.
type Process struct {
	PID         int32             `json:"pid"`
	PPID        int32             `json:"ppid,omitempty"`
	Name        string            `json:"name"`
	Cmd         string            `json:"cmd"`
	User        string            `json:"user"`
	CPU         float64           `json:"cpu"`
	Mem         float64           `json:"mem"`
	ExecPath    string            `json:"execPath,omitempty"`
	Connections ConnectionSummary `json:"connections"`
	Level       Level             `json:"level"`
	Reasons     []string          `json:"reasons"`
	Launchd     string            `json:"launchd,omitempty"`
	Codesign    *Signature        `json:"codesign,omitempty"`
	Parent      string            `json:"parent,omitempty"`
}

// Equal is the structural comparator used for per-row change detection when
// computing deltas. It replaces the byte-equality of serialized JSON, which
// is sensitive to key ordering and float formatting.
func (p Process) Equal(o Process) bool {
	if p.PID != o.PID || p.PPID != o.PPID || p.Name != o.Name || p.Cmd != o.Cmd ||
		p.User != o.User || p.CPU != o.CPU || p.Mem != o.Mem ||
		p.ExecPath != o.ExecPath || p.Level != o.Level ||
		p.Launchd != o.Launchd || p.Parent != o.Parent {
		return false
	}
	if !p.Connections.equal(o.Connections) {
		return false
	}
	if len(p.Reasons) != len(o.Reasons) {
		return false
	}
	for i := range p.Reasons {
		if p.Reasons[i] != o.Reasons[i] {
			return false
		}
	}
	return p.Codesign.Equal(o.Codesign)
}

// Stats are the cached aggregates refreshed on every store commit.
type Stats struct {
	Total      int       `json:"total"`
	Critical   int       `json:"critical"`
	High       int       `json:"high"`
	Medium     int       `json:"medium"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// ComputeStats tallies a committed sequence.
func ComputeStats(rows []Process, at time.Time) Stats {
	st := Stats{Total: len(rows), LastUpdate: at}
	for _, p := range rows {
		switch p.Level {
		case LevelCritical:
			st.Critical++
		case LevelHigh:
			st.High++
		case LevelMedium:
			st.Medium++
		}
	}
	return st
}
