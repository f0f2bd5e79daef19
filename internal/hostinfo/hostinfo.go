// Package hostinfo collects best-effort host facts for the stats endpoint
// and the classifier environment. Every field degrades to its zero value
// when the underlying probe fails.
package hostinfo

import (
	"context"
	"os"
	"os/exec"
	"os/user"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Facts are the ambient host facts reported by GET /api/stats.
type Facts struct {
	Platform string `json:"platform"`
	Arch     string `json:"arch"`
	Hostname string `json:"hostname"`
	Uptime   int64  `json:"uptime"` // seconds
	TotalMem uint64 `json:"totalMem"`
	FreeMem  uint64 `json:"freeMem"`
	CPUCount int    `json:"cpuCount"`
	IsRoot   bool   `json:"isRoot"`
	Username string `json:"-"`
	Home     string `json:"-"`
}

// Collect gathers host facts. Subprocess probes run under a short deadline
// and failures leave the corresponding field zero.
func Collect(ctx context.Context) Facts {
	f := Facts{
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		CPUCount: runtime.NumCPU(),
		IsRoot:   os.Geteuid() == 0,
	}
	f.Hostname, _ = os.Hostname()
	if u, err := user.Current(); err == nil {
		f.Username = u.Username
		f.Home = u.HomeDir
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	f.Uptime = uptimeSeconds(ctx)
	f.TotalMem = sysctlUint(ctx, "hw.memsize")
	f.FreeMem = freeMemory(ctx)
	return f
}

// uptimeSeconds derives uptime from kern.boottime, e.g.
// "{ sec = 1712345678, usec = 0 } Mon Apr  1 ...".
func uptimeSeconds(ctx context.Context) int64 {
	out, err := exec.CommandContext(ctx, "sysctl", "-n", "kern.boottime").Output()
	if err != nil {
		return 0
	}
	s := string(out)
	i := strings.Index(s, "sec =")
	if i < 0 {
		return 0
	}
	s = s[i+len("sec ="):]
	if j := strings.IndexByte(s, ','); j >= 0 {
		s = s[:j]
	}
	boot, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || boot <= 0 {
		return 0
	}
	return time.Now().Unix() - boot
}

func sysctlUint(ctx context.Context, key string) uint64 {
	out, err := exec.CommandContext(ctx, "sysctl", "-n", key).Output()
	if err != nil {
		return 0
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// freeMemory sums the free and inactive page counts from vm_stat.
func freeMemory(ctx context.Context) uint64 {
	out, err := exec.CommandContext(ctx, "vm_stat").Output()
	if err != nil {
		return 0
	}
	return parseVMStat(out)
}

// parseVMStat scales the free and inactive page counts by the page size the
// vm_stat header reports ("page size of 16384 bytes" on Apple Silicon).
// Intel defaults to 4K pages when the header is missing.
func parseVMStat(out []byte) uint64 {
	pageSize := uint64(4096)
	var pages uint64
	for _, line := range strings.Split(string(out), "\n") {
		if i := strings.Index(line, "page size of "); i >= 0 {
			rest := line[i+len("page size of "):]
			if j := strings.IndexByte(rest, ' '); j >= 0 {
				rest = rest[:j]
			}
			if n, err := strconv.ParseUint(rest, 10, 64); err == nil && n > 0 {
				pageSize = n
			}
			continue
		}
		if !strings.HasPrefix(line, "Pages free:") && !strings.HasPrefix(line, "Pages inactive:") {
			continue
		}
		v := strings.TrimSuffix(strings.TrimSpace(line[strings.Index(line, ":")+1:]), ".")
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			pages += n
		}
	}
	return pages * pageSize
}
