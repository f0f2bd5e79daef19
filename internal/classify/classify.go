// Package classify implements the stateless suspicion rule engine. Rules run
// in a fixed order; each may append reason codes and raise the level. The
// only rule allowed to lower a level is the trusted-binary downgrade.
package classify

import (
	"strconv"
	"strings"

	"github.com/procscope/backend/internal/core"
)

// Env carries ambient host facts so tests can simulate different owners
// without touching real system calls.
type Env struct {
	// Username is the user the monitor runs as.
	Username string
	// Home is that user's home directory, used to expand "~" prefixes.
	Home string
}

// Input is everything a single classification sees. Conn, Sig, and Parent
// are optional.
type Input struct {
	Proc    core.Process
	Conn    *core.ConnectionSummary
	Launchd string
	Sig     *core.Signature
	Parent  string
	Env     Env
}

// Result is the classification verdict.
type Result struct {
	Level   core.Level
	Reasons []string
}

type evaluation struct {
	level   core.Level
	reasons []string
	seen    map[string]bool
}

func (e *evaluation) add(reason string) {
	if e.seen[reason] {
		return
	}
	e.seen[reason] = true
	e.reasons = append(e.reasons, reason)
}

func (e *evaluation) raise(l core.Level) {
	if l > e.level {
		e.level = l
	}
}

func (e *evaluation) tag(reason string, l core.Level) {
	e.add(reason)
	e.raise(l)
}

func (e *evaluation) has(reason string) bool { return e.seen[reason] }

// Classify maps an enriched process record to a suspicion level and ordered
// reason list. It is pure: identical inputs produce identical output, and the
// reason order is the rule order.
func Classify(in Input) Result {
	e := &evaluation{level: core.LevelLow, seen: make(map[string]bool)}

	var conn core.ConnectionSummary
	if in.Conn != nil {
		conn = *in.Conn
	}

	name := strings.ToLower(in.Proc.Name)
	cmd := strings.ToLower(in.Proc.Cmd)
	path := strings.ToLower(in.Proc.ExecPath)
	nameCmd := name + "\x00" + cmd
	cmdPath := cmd + "\x00" + path
	all := nameCmd + "\x00" + path

	checkInputMonitoring(e, in, all, cmdPath, conn)
	checkNetworkAnomalies(e, conn)
	tagDescriptive(e, in)
	checkNetworkVolume(e, conn)
	checkKeywordFamilies(e, in, nameCmd)
	checkLocation(e, in)
	checkSignatureTrust(e, in)
	checkInjection(e, in)
	checkNameAnomalies(e, in)
	tightenCombinations(e)

	return Result{Level: e.level, Reasons: e.reasons}
}

// Phase 1: keylogger and input-monitoring detection.
func checkInputMonitoring(e *evaluation, in Input, all, cmdPath string, conn core.ConnectionSummary) {
	if containsAny(all, keyloggerKeywords) {
		if conn.Outbound > 0 {
			e.tag("keylogger-with-network-activity", core.LevelCritical)
		} else {
			e.tag("keylogger-pattern", core.LevelHigh)
		}
	}

	inputMonitor := containsAny(cmdPath, inputMonitorTokens)
	if inputMonitor {
		if conn.Outbound > 2 {
			e.tag("input-monitoring-with-network", core.LevelCritical)
		}
		if in.Sig != nil && !in.Sig.Signed {
			e.tag("unsigned-input-monitor", core.LevelCritical)
		}
		if riskyInputMonitorParents[in.Parent] {
			e.tag("browser-spawned-input-monitor", core.LevelHigh)
		}
	}

	if containsAny(cmdPath, accessibilityTokens) && conn.Outbound > 1 {
		e.tag("accessibility-with-network", core.LevelCritical)
	}
}

// Phase 2: suspicious data upload and anomalous remote ports.
func checkNetworkAnomalies(e *evaluation, conn core.ConnectionSummary) {
	if conn.Outbound > 10 && len(conn.Remotes) > 5 {
		for _, remote := range conn.Remotes {
			if isSuspiciousRemote(remote) {
				e.tag("suspicious-data-upload-pattern", core.LevelHigh)
				break
			}
		}
	}

	for _, remote := range conn.Remotes {
		if port := remotePort(remote); suspiciousPorts[port] {
			e.tag("suspicious-port:"+port, core.LevelMedium)
			break
		}
	}
}

// Phase 3: descriptive tagging. These tags do not raise on their own; the
// combinatorial phase promotes accumulations.
func tagDescriptive(e *evaluation, in Input) {
	u := in.Proc.User
	if u != "" && u != in.Env.Username && u != "root" && u != "_www" {
		e.add("different-user")
	}
	if agentishRe.MatchString(in.Proc.Cmd) {
		e.add("agent-ish")
	}
	if in.Launchd != "" {
		e.add("launchd-managed")
	}
	if mgmtSuiteRe.MatchString(in.Proc.Cmd) {
		e.add("mgmt-suite")
	}
}

// Phase 4: raw connection volume.
func checkNetworkVolume(e *evaluation, conn core.ConnectionSummary) {
	if conn.Total() > 20 {
		e.add("many-connections")
	}
	if conn.Outbound > 50 {
		e.tag("excessive-outbound", core.LevelMedium)
	}
}

// Phase 5: keyword families over name and cmd, first match wins per family.
func checkKeywordFamilies(e *evaluation, in Input, nameCmd string) {
	if containsAny(nameCmd, screenRecorderKeywords) {
		e.tag("screen-recorder", core.LevelMedium)
	}
	if containsAny(nameCmd, remoteAccessKeywords) {
		e.tag("remote-access", core.LevelMedium)
	}
	if containsAny(nameCmd, cryptominerKeywords) {
		e.tag("cryptominer", core.LevelHigh)
	}
	// Exfiltration tooling from a trusted vendor is routine update traffic.
	if containsAny(nameCmd, exfiltrationKeywords) && !isTrustedTeam(in.Sig) {
		e.tag("data-exfiltration", core.LevelMedium)
	}
	if containsAny(nameCmd, suspiciousNameKeywords) {
		e.tag("suspicious-name", core.LevelCritical)
	}
}

// Phase 6: filesystem location.
func checkLocation(e *evaluation, in Input) {
	if in.Proc.ExecPath == "" {
		return
	}
	for _, prefix := range suspiciousLocationPrefixes {
		expanded := prefix
		if strings.HasPrefix(prefix, "~") && in.Env.Home != "" {
			expanded = in.Env.Home + prefix[1:]
		}
		if strings.HasPrefix(in.Proc.ExecPath, expanded) {
			e.tag("suspicious-location:"+prefix, core.LevelMedium)
			break
		}
	}
	if hiddenDirRe.MatchString(in.Proc.ExecPath) {
		e.tag("hidden-directory-path", core.LevelMedium)
	}
}

// Phase 7: signature trust. Holds the single documented downgrade.
func checkSignatureTrust(e *evaluation, in Input) {
	switch trustOf(in.Sig) {
	case TrustMalicious:
		e.tag("malicious-signature", core.LevelCritical)
	case TrustSuspicious:
		e.tag("unsigned", core.LevelHigh)
	case TrustUnknown:
		e.add("unknown-signature")
		if !strings.HasPrefix(in.Proc.ExecPath, "/usr/local/") {
			e.raise(core.LevelMedium)
		}
	case TrustVerified:
		if in.Sig.Notarized {
			e.add("notarized")
		}
	case TrustTrusted:
		// A MED built from a few minor tags is noise for a trusted binary.
		minor := len(e.reasons)
		e.add("trusted-binary")
		if e.level == core.LevelMedium && minor <= 3 {
			e.level = core.LevelLow
		}
	}
}

// Phase 8: parent-to-child injection heuristics, first category wins.
func checkInjection(e *evaluation, in Input) {
	if in.Parent == "" || in.Proc.Cmd == "" {
		return
	}
	if !injectionChildRe.MatchString(in.Proc.Cmd) {
		return
	}
	for _, cat := range injectionCategories {
		if !cat.parents[in.Parent] {
			continue
		}
		level := core.LevelHigh
		if cat.level == hintCritical {
			level = core.LevelCritical
		}
		e.tag(cat.reason, level)
		return
	}
}

// Phase 9: process-name anomalies.
func checkNameAnomalies(e *evaluation, in Input) {
	name := in.Proc.Name
	if strings.HasPrefix(name, ".") {
		e.tag("hidden-process", core.LevelMedium)
	}
	if name == "" && in.Proc.Cmd != "" {
		e.add("unnamed-process")
	}
	if containsZeroWidth(name) {
		e.tag("zero-width-chars", core.LevelHigh)
	}
	if sys, ok := matchSystemProcess(name); ok {
		e.tag("mimicking-system-process:"+sys, core.LevelHigh)
	}
}

// Phase 10: combinatorial tightening.
func tightenCombinations(e *evaluation) {
	if (e.has("mgmt-suite") || e.has("launchd-managed")) && e.level == core.LevelLow {
		e.level = core.LevelMedium
	}
	if len(e.reasons) >= 3 && e.level == core.LevelLow {
		e.level = core.LevelMedium
	}
	if len(e.reasons) >= 5 && e.level == core.LevelMedium {
		e.level = core.LevelHigh
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// isSuspiciousRemote flags endpoints that are neither Apple, iCloud, nor
// loopback and that either sit under a risky TLD or are raw IPv4 addresses.
func isSuspiciousRemote(remote string) bool {
	host := remoteHost(remote)
	if host == "" {
		return false
	}
	lower := strings.ToLower(host)
	if strings.Contains(lower, "apple") || strings.Contains(lower, "icloud") ||
		lower == "localhost" || strings.HasPrefix(lower, "127.") || lower == "::1" {
		return false
	}
	for _, tld := range suspiciousTLDs {
		if strings.HasSuffix(lower, tld) {
			return true
		}
	}
	return isIPv4(lower)
}

func remoteHost(remote string) string {
	if i := strings.LastIndex(remote, ":"); i > 0 {
		return remote[:i]
	}
	return remote
}

func remotePort(remote string) string {
	i := strings.LastIndex(remote, ":")
	if i < 0 || i == len(remote)-1 {
		return ""
	}
	return remote[i+1:]
}

func isIPv4(host string) bool {
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 || (len(p) > 1 && p[0] == '0') {
			return false
		}
	}
	return true
}
