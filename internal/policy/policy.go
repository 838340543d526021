package policy

import (
	"strings"

	"github.com/sreenathmmenon/EngineIQ/config"
	"github.com/sreenathmmenon/EngineIQ/internal/session"
)

// Rejection reasons, in evaluation precedence order. Offshore and third-party
// restrictions are hard organizational constraints and short-circuit before
// the softer allow-list check, so every withheld candidate carries exactly
// one reason.
const (
	ReasonOffshoreRestricted   = "offshore_restricted"
	ReasonThirdPartyRestricted = "third_party_restricted"
	ReasonHighSensitivity      = "high_sensitivity"
)

// User types that count as external for third-party restrictions.
var thirdPartyUserTypes = map[string]struct{}{
	"contractor":  {},
	"third_party": {},
	"vendor":      {},
}

// Result is a total partition of the evaluated candidates: every input
// candidate lands in exactly one of the two lists.
type Result struct {
	Accessible []session.Candidate
	Sensitive  []session.SensitiveCandidate
}

// ApprovalRequired reports whether any candidate was withheld.
func (r Result) ApprovalRequired() bool {
	return len(r.Sensitive) > 0
}

// Evaluator partitions search candidates into accessible and
// sensitive-pending-approval. It is a pure function of its inputs; turning
// an approval requirement into a suspension is the orchestrator's job.
type Evaluator struct {
	homeRegion string
}

// New builds an evaluator from configuration.
func New(cfg config.PolicyConfig) *Evaluator {
	cfg = cfg.Normalize()
	return &Evaluator{homeRegion: cfg.HomeRegion}
}

// Evaluate classifies each candidate against the requester, preserving input
// order within each output list.
func (e *Evaluator) Evaluate(candidates []session.Candidate, req session.Requester) Result {
	var res Result
	teams := listToSet(req.Teams)
	offshore := e.offshore(req)
	external := isThirdParty(req)
	for _, c := range candidates {
		if reason := e.classify(c.Permission, req, teams, offshore, external); reason != "" {
			res.Sensitive = append(res.Sensitive, session.SensitiveCandidate{Candidate: c, Reason: reason})
			continue
		}
		res.Accessible = append(res.Accessible, c)
	}
	return res
}

func (e *Evaluator) classify(p session.PermissionDescriptor, req session.Requester, teams map[string]struct{}, offshore, external bool) string {
	if p.OffshoreRestricted && offshore {
		return ReasonOffshoreRestricted
	}
	if p.ThirdPartyRestricted && external {
		return ReasonThirdPartyRestricted
	}
	if highSensitivity(p.Sensitivity) && !allowListed(p, req.UserID, teams) {
		return ReasonHighSensitivity
	}
	return ""
}

func (e *Evaluator) offshore(req session.Requester) bool {
	loc := strings.ToUpper(strings.TrimSpace(req.Location))
	return loc != "" && loc != e.homeRegion
}

func isThirdParty(req session.Requester) bool {
	_, ok := thirdPartyUserTypes[strings.ToLower(strings.TrimSpace(req.UserType))]
	return ok
}

func highSensitivity(tier string) bool {
	switch strings.ToLower(strings.TrimSpace(tier)) {
	case session.SensitivityConfidential, session.SensitivityRestricted:
		return true
	default:
		return false
	}
}

func allowListed(p session.PermissionDescriptor, userID string, teams map[string]struct{}) bool {
	for _, u := range p.AllowedUsers {
		if u == userID {
			return true
		}
	}
	for _, team := range p.OwnerTeams {
		if _, ok := teams[team]; ok {
			return true
		}
	}
	return false
}

func listToSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}
