package policy

import (
	"testing"

	"github.com/sreenathmmenon/EngineIQ/config"
	"github.com/sreenathmmenon/EngineIQ/internal/session"
)

func newEvaluator() *Evaluator {
	return New(config.PolicyConfig{HomeRegion: "US"})
}

func cand(id string, p session.PermissionDescriptor) session.Candidate {
	return session.Candidate{ID: id, Title: id, Score: 0.9, Permission: p}
}

func TestEvaluateIsTotalPartition(t *testing.T) {
	e := newEvaluator()
	candidates := []session.Candidate{
		cand("open", session.PermissionDescriptor{Sensitivity: session.SensitivityPublic}),
		cand("offshore", session.PermissionDescriptor{OffshoreRestricted: true}),
		cand("vendor-only", session.PermissionDescriptor{ThirdPartyRestricted: true}),
		cand("secret", session.PermissionDescriptor{Sensitivity: session.SensitivityRestricted}),
		cand("team-doc", session.PermissionDescriptor{Sensitivity: session.SensitivityConfidential, OwnerTeams: []string{"platform"}}),
	}
	req := session.Requester{UserID: "u1", Teams: []string{"platform"}, Location: "IN", UserType: "contractor"}
	res := e.Evaluate(candidates, req)

	if got := len(res.Accessible) + len(res.Sensitive); got != len(candidates) {
		t.Fatalf("partition lost candidates: %d in, %d out", len(candidates), got)
	}
	seen := map[string]int{}
	for _, c := range res.Accessible {
		seen[c.ID]++
	}
	for _, c := range res.Sensitive {
		seen[c.ID]++
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("candidate %s appears %d times across the partition", id, n)
		}
	}
}

func TestEvaluatePrecedence(t *testing.T) {
	e := newEvaluator()
	// A document tripping every rule must report the highest-precedence reason.
	all := cand("everything", session.PermissionDescriptor{
		OffshoreRestricted:   true,
		ThirdPartyRestricted: true,
		Sensitivity:          session.SensitivityRestricted,
	})
	cases := []struct {
		name   string
		req    session.Requester
		reason string
	}{
		{"offshore contractor", session.Requester{UserID: "u1", Location: "IN", UserType: "contractor"}, ReasonOffshoreRestricted},
		{"domestic contractor", session.Requester{UserID: "u1", Location: "US", UserType: "contractor"}, ReasonThirdPartyRestricted},
		{"domestic employee", session.Requester{UserID: "u1", Location: "US", UserType: "employee"}, ReasonHighSensitivity},
	}
	for _, tc := range cases {
		res := e.Evaluate([]session.Candidate{all}, tc.req)
		if len(res.Sensitive) != 1 {
			t.Fatalf("%s: expected sensitive candidate, got %+v", tc.name, res)
		}
		if res.Sensitive[0].Reason != tc.reason {
			t.Fatalf("%s: expected reason %s, got %s", tc.name, tc.reason, res.Sensitive[0].Reason)
		}
	}
}

func TestEvaluateOffshoreScenario(t *testing.T) {
	e := newEvaluator()
	res := e.Evaluate(
		[]session.Candidate{cand("doc", session.PermissionDescriptor{OffshoreRestricted: true})},
		session.Requester{UserID: "u1", Location: "DE", UserType: "employee"},
	)
	if !res.ApprovalRequired() {
		t.Fatalf("expected approval required for offshore requester")
	}
	if res.Sensitive[0].Reason != ReasonOffshoreRestricted {
		t.Fatalf("expected offshore_restricted, got %s", res.Sensitive[0].Reason)
	}
}

func TestEvaluateAllowListBypassesSensitivity(t *testing.T) {
	e := newEvaluator()
	byUser := cand("u-doc", session.PermissionDescriptor{Sensitivity: session.SensitivityConfidential, AllowedUsers: []string{"u1"}})
	byTeam := cand("t-doc", session.PermissionDescriptor{Sensitivity: session.SensitivityRestricted, OwnerTeams: []string{"sre"}})
	res := e.Evaluate([]session.Candidate{byUser, byTeam}, session.Requester{UserID: "u1", Teams: []string{"sre"}, Location: "US"})
	if res.ApprovalRequired() {
		t.Fatalf("allow-listed requester should see all candidates, got sensitive %+v", res.Sensitive)
	}
	if len(res.Accessible) != 2 {
		t.Fatalf("expected 2 accessible candidates, got %d", len(res.Accessible))
	}
}

func TestEvaluateEmptyLocationIsNotOffshore(t *testing.T) {
	e := newEvaluator()
	res := e.Evaluate(
		[]session.Candidate{cand("doc", session.PermissionDescriptor{OffshoreRestricted: true})},
		session.Requester{UserID: "u1"},
	)
	if res.ApprovalRequired() {
		t.Fatalf("unknown location should not trip the offshore rule")
	}
}

func TestEvaluatePublicAndInternalAccessible(t *testing.T) {
	e := newEvaluator()
	res := e.Evaluate([]session.Candidate{
		cand("pub", session.PermissionDescriptor{Sensitivity: session.SensitivityPublic}),
		cand("int", session.PermissionDescriptor{Sensitivity: session.SensitivityInternal}),
	}, session.Requester{UserID: "stranger", Location: "US"})
	if len(res.Accessible) != 2 || res.ApprovalRequired() {
		t.Fatalf("public and internal tiers should be accessible without an allow list: %+v", res)
	}
}
