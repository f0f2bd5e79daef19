package collect

import (
	"context"
	"strconv"
	"strings"
	"time"
)

const launchdTimeout = 5 * time.Second

// LaunchdLabels maps pids to their service-manager labels. Rows without a
// numeric pid (the service is registered but not running) are skipped. On
// any failure it returns an empty map.
func (c *Collectors) LaunchdLabels(ctx context.Context) map[int32]string {
	out, err := c.run(ctx, launchdTimeout, "launchctl", "list")
	if err != nil {
		c.fail("launchd", err)
		return map[int32]string{}
	}
	return parseLaunchdTable(out)
}

// parseLaunchdTable parses launchctl list output: PID, Status, Label columns.
func parseLaunchdTable(out []byte) map[int32]string {
	labels := make(map[int32]string)
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] == "PID" || fields[0] == "-" {
			continue
		}
		pid, err := strconv.ParseInt(fields[0], 10, 32)
		if err != nil || pid <= 0 {
			continue
		}
		labels[int32(pid)] = fields[2]
	}
	return labels
}
