package classify

import "regexp"

// Keyword vocabularies and fixed sets used by the rule engine. All matching
// is case-insensitive; callers pass lowercased haystacks.

var keyloggerKeywords = []string{
	"keylog",
	"keystroke",
	"keycapture",
	"keysniff",
	"keywatch",
	"logkeys",
	"kidlogger",
	"refog",
}

// Input-monitoring API tokens as they appear in command lines. Matched
// lowercased against cmd and execPath.
var inputMonitorTokens = []string{
	"cgeventtap",
	"cgeventtapcreate",
	"iohidmanager",
	"iohidqueue",
	"addglobalmonitorforevents",
	"nseventtap",
}

var accessibilityTokens = []string{
	"axobserver",
	"axuielement",
	"accessibility",
}

// Parents whose children running input-monitoring code are suspect: browsers,
// document viewers, media players, and archive utilities.
var riskyInputMonitorParents = map[string]bool{
	"Safari":          true,
	"Google Chrome":   true,
	"Chrome":          true,
	"Firefox":         true,
	"Microsoft Edge":  true,
	"Brave Browser":   true,
	"Arc":             true,
	"Preview":         true,
	"TextEdit":        true,
	"QuickTime Player": true,
	"VLC":             true,
	"Archive Utility": true,
	"The Unarchiver":  true,
}

var screenRecorderKeywords = []string{
	"screencapture",
	"screenrecord",
	"screen recorder",
	"avcapture",
	"getwindowimage",
}

var remoteAccessKeywords = []string{
	"teamviewer",
	"anydesk",
	"vncserver",
	"vncviewer",
	"logmein",
	"splashtop",
	"chrome remote desktop",
	"screens connect",
	"rustdesk",
}

var cryptominerKeywords = []string{
	"xmrig",
	"minerd",
	"cgminer",
	"cpuminer",
	"stratum+tcp",
	"cryptonight",
	"randomx",
	"coinhive",
	"minergate",
	"nicehash",
}

var exfiltrationKeywords = []string{
	"curl",
	"wget",
	"netcat",
	"rsync",
	"scp ",
	"osascript",
}

var suspiciousNameKeywords = []string{
	"backdoor",
	"trojan",
	"rootkit",
	"botnet",
	"ransomware",
	"spyware",
	"meterpreter",
	"keyrecorder",
	"exploit",
}

var (
	agentishRe  = regexp.MustCompile(`(?i)(launchd|agent|daemon)`)
	mgmtSuiteRe = regexp.MustCompile(`(?i)(jamf|kandji|munki|fleetdm|airwatch|workspace\s?one|intune|addigy|mosyle)`)

	// hiddenDirRe matches a hidden directory segment anywhere in a path.
	hiddenDirRe = regexp.MustCompile(`/\.[^/]+/`)
)

// suspiciousLocationPrefixes are checked against execPath after expanding a
// leading "~" to the scan user's home directory.
var suspiciousLocationPrefixes = []string{
	"/tmp/",
	"/var/tmp/",
	"/private/tmp/",
	"/Users/Shared/",
	"~/Downloads/",
	"~/Library/Caches/",
}

// suspiciousPorts are remote ports associated with mining pools and common
// backdoor listeners.
var suspiciousPorts = map[string]bool{
	"3333":  true, // stratum mining
	"4444":  true, // metasploit default
	"5555":  true, // adb / mining
	"7777":  true,
	"14444": true,
	"1337":  true,
	"31337": true,
	"6667":  true, // IRC C2
}

// suspiciousTLDs flag remote endpoints for the data-upload heuristic.
var suspiciousTLDs = []string{".ru", ".cn", ".tk", ".onion"}

// injectionCategory pairs a fixed parent-name set with the child-command
// pattern that marks a spawned process as injected. Categories are evaluated
// in order; the first match wins.
type injectionCategory struct {
	reason  string
	level   levelHint
	parents map[string]bool
}

type levelHint int

const (
	hintHigh levelHint = iota
	hintCritical
)

var injectionChildRe = regexp.MustCompile(
	`(?i)(curl|wget|\bnc\b|bash\s+-c|sh\s+-c|osascript|python[0-9.]*\s+-c|perl\s+-e|ruby\s+-e|base64)`)

var injectionCategories = []injectionCategory{
	{
		reason: "spawned-by-email-client",
		level:  hintCritical,
		parents: map[string]bool{
			"Mail": true, "Microsoft Outlook": true, "Outlook": true,
			"Thunderbird": true, "Spark": true, "Airmail": true,
		},
	},
	{
		reason: "spawned-by-pdf-reader",
		level:  hintCritical,
		parents: map[string]bool{
			"Preview": true, "Adobe Acrobat Reader": true, "Acrobat": true,
			"Skim": true, "PDF Expert": true,
		},
	},
	{
		reason: "spawned-by-browser",
		level:  hintHigh,
		parents: map[string]bool{
			"Safari": true, "Google Chrome": true, "Chrome": true,
			"Firefox": true, "Microsoft Edge": true, "Brave Browser": true,
			"Arc": true, "Opera": true,
		},
	},
	{
		reason: "spawned-by-office-app",
		level:  hintCritical,
		parents: map[string]bool{
			"Microsoft Word": true, "Microsoft Excel": true,
			"Microsoft PowerPoint": true, "Pages": true, "Numbers": true,
			"Keynote": true, "LibreOffice": true,
		},
	},
	{
		reason: "spawned-by-media-player",
		level:  hintHigh,
		parents: map[string]bool{
			"QuickTime Player": true, "VLC": true, "IINA": true,
			"Music": true, "Spotify": true,
		},
	},
	{
		reason: "spawned-by-archive-utility",
		level:  hintHigh,
		parents: map[string]bool{
			"Archive Utility": true, "The Unarchiver": true,
			"Keka": true, "BetterZip": true,
		},
	},
}

// wellKnownSystemProcesses is the mimicry target set. A name equal to any
// member is never flagged; a name merely similar to one is.
var wellKnownSystemProcesses = []string{
	"kernel_task",
	"launchd",
	"WindowServer",
	"mds",
	"mdworker",
	"cfprefsd",
	"loginwindow",
	"Finder",
	"Spotlight",
	"securityd",
	"trustd",
	"coreaudiod",
	"distnoted",
	"syslogd",
}
