package collect

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/procscope/backend/internal/core"
)

const connectionSummaryTimeout = 8 * time.Second

// ConnectionSummaries aggregates per-pid socket state from lsof. On any
// failure it returns an empty map.
func (c *Collectors) ConnectionSummaries(ctx context.Context) map[int32]*core.ConnectionSummary {
	out, err := c.run(ctx, connectionSummaryTimeout, "lsof", "-i", "-n", "-P")
	if err != nil {
		c.fail("sockets", err)
		return map[int32]*core.ConnectionSummary{}
	}
	return parseSocketTable(out)
}

// parseSocketTable builds per-pid summaries from lsof -i -n -P output.
// Rows whose endpoint contains "->" are outbound with a sampled remote;
// LISTEN rows count as listening; remaining rows with port notation count as
// outbound without a remote sample.
func parseSocketTable(out []byte) map[int32]*core.ConnectionSummary {
	summaries := make(map[int32]*core.ConnectionSummary)

	lines := strings.Split(string(out), "\n")
	for i, line := range lines {
		if i == 0 && strings.HasPrefix(line, "COMMAND") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 9 {
			continue
		}
		pid, err := strconv.ParseInt(fields[1], 10, 32)
		if err != nil || pid <= 0 {
			continue
		}

		sum, ok := summaries[int32(pid)]
		if !ok {
			sum = &core.ConnectionSummary{Remotes: []string{}}
			summaries[int32(pid)] = sum
		}

		endpoint := fields[8]
		switch {
		case strings.Contains(endpoint, "->"):
			sum.Outbound++
			remote := endpoint[strings.Index(endpoint, "->")+2:]
			sum.AddRemote(remote)
		case strings.Contains(line, "(LISTEN)"):
			sum.Listen++
		case strings.Contains(endpoint, ":"):
			sum.Outbound++
		}
	}
	return summaries
}
