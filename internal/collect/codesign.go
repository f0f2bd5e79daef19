package collect

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/procscope/backend/internal/core"
)

const codesignTimeout = 3 * time.Second

// CollectSignature extracts the code-signing state of an executable with two
// invocations: a validity check and a detail extraction. It returns nil when
// the path is unknown or unreadable.
func (c *Collectors) CollectSignature(ctx context.Context, path string) *core.Signature {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	sig := &core.Signature{}

	verifyOut, verifyErr := c.run(ctx, codesignTimeout, "codesign", "--verify", "--deep", path)
	switch {
	case verifyErr == nil:
		sig.Signed = true
		sig.Valid = true
	case strings.Contains(string(verifyOut), "not signed"):
		return sig
	default:
		// Signed but failing validation, or indeterminate. Detail output
		// below settles whether a signature exists at all.
		sig.Signed = true
	}

	detailOut, detailErr := c.run(ctx, codesignTimeout, "codesign", "-d", "--verbose=4", path)
	if detailErr != nil {
		if strings.Contains(string(detailOut), "not signed") {
			return &core.Signature{}
		}
		return sig
	}
	parseCodesignDetail(detailOut, sig)
	return sig
}

// parseCodesignDetail fills signature details from codesign -d --verbose=4
// output.
func parseCodesignDetail(out []byte, sig *core.Signature) {
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "TeamIdentifier="):
			team := strings.TrimPrefix(line, "TeamIdentifier=")
			if team != "not set" {
				sig.TeamID = team
			}
		case strings.HasPrefix(line, "Identifier="):
			sig.Identifier = strings.TrimPrefix(line, "Identifier=")
		case strings.HasPrefix(line, "Authority="):
			authority := strings.TrimPrefix(line, "Authority=")
			sig.Authorities = append(sig.Authorities, authority)
			if authority == "Apple Mac OS Application Signing" {
				sig.AppStore = true
			}
		case strings.Contains(line, "Notarization"):
			sig.Notarized = true
		}
	}
	// A secure-timestamped Developer ID signature implies a notarization
	// ticket check passes for distribution builds.
	if !sig.Notarized {
		for _, a := range sig.Authorities {
			if strings.HasPrefix(a, "Developer ID Application") {
				for _, l := range strings.Split(string(out), "\n") {
					if strings.HasPrefix(strings.TrimSpace(l), "Timestamp=") {
						sig.Notarized = true
						break
					}
				}
				break
			}
		}
	}
}
