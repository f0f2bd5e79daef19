package collect

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/procscope/backend/internal/core"
)

const listProcessesTimeout = 10 * time.Second

// ListProcesses enumerates running processes via ps. On any failure it
// returns an empty slice.
func (c *Collectors) ListProcesses(ctx context.Context) []core.Process {
	out, err := c.run(ctx, listProcessesTimeout, "ps", "axo", "pid=,ppid=,user=,%cpu=,%mem=,args=")
	if err != nil {
		c.fail("processes", err)
		return nil
	}
	return parseProcessTable(out)
}

// parseProcessTable parses ps output with columns
// pid ppid user %cpu %mem args. The command line keeps its internal spacing.
func parseProcessTable(out []byte) []core.Process {
	var procs []core.Process
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		pid, err := strconv.ParseInt(fields[0], 10, 32)
		if err != nil || pid <= 0 {
			continue
		}
		ppid, _ := strconv.ParseInt(fields[1], 10, 32)
		cpu, _ := strconv.ParseFloat(fields[3], 64)
		mem, _ := strconv.ParseFloat(fields[4], 64)
		cmd := strings.Join(fields[5:], " ")
		execPath := DeriveExecPath(cmd)

		name := execPath
		if name == "" {
			name = strings.Trim(fields[5], `"'`)
		}
		name = filepath.Base(name)

		procs = append(procs, core.Process{
			PID:      int32(pid),
			PPID:     int32(ppid),
			Name:     name,
			Cmd:      cmd,
			User:     fields[2],
			CPU:      max(cpu, 0),
			Mem:      max(mem, 0),
			ExecPath: execPath,
			Connections: core.ConnectionSummary{Remotes: []string{}},
			Reasons:     []string{},
		})
	}
	return procs
}

// DeriveExecPath extracts the executable path from a command line: the first
// token, quotes stripped, kept only when it is an absolute path or an .app
// reference.
func DeriveExecPath(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return ""
	}
	tok := strings.Trim(fields[0], `"'`)
	if strings.HasPrefix(tok, "/") || strings.HasSuffix(tok, ".app") {
		return tok
	}
	return ""
}
