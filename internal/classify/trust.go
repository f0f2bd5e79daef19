package classify

import (
	"strings"

	"github.com/procscope/backend/internal/core"
)

// TrustLevel is the coarse classification of a code signature.
type TrustLevel int

const (
	// TrustUnknown covers processes with no readable signature data.
	TrustUnknown TrustLevel = iota
	// TrustMalicious covers signed binaries whose signature fails validation.
	TrustMalicious
	// TrustSuspicious covers unsigned binaries.
	TrustSuspicious
	// TrustVerified covers validly signed (possibly notarized) binaries.
	TrustVerified
	// TrustTrusted covers binaries from major vendors or the App Store.
	TrustTrusted
)

func (t TrustLevel) String() string {
	switch t {
	case TrustMalicious:
		return "malicious"
	case TrustSuspicious:
		return "suspicious"
	case TrustVerified:
		return "verified"
	case TrustTrusted:
		return "trusted"
	default:
		return "unknown"
	}
}

var trustedTeamNames = []string{
	"apple",
	"microsoft",
	"google",
	"adobe",
	"mozilla",
}

func isTrustedTeam(sig *core.Signature) bool {
	if sig == nil || !sig.Signed || !sig.Valid {
		return false
	}
	if sig.AppStore {
		return true
	}
	team := strings.ToLower(sig.TeamID)
	for _, name := range trustedTeamNames {
		if strings.Contains(team, name) {
			return true
		}
	}
	return false
}

// trustOf derives the trust level from a signature, or TrustUnknown when the
// executable could not be inspected.
func trustOf(sig *core.Signature) TrustLevel {
	switch {
	case sig == nil:
		return TrustUnknown
	case !sig.Signed:
		return TrustSuspicious
	case !sig.Valid:
		return TrustMalicious
	case isTrustedTeam(sig):
		return TrustTrusted
	default:
		return TrustVerified
	}
}
