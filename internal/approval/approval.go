// Package approval implements the approval governance engine of spec.md
// §4.7: a pure authority-resolution function over (policy_evaluation,
// role_ladder, delegations), plus request/decision recording with
// stale-action rejection and deterministic escalation.
package approval

import (
	"sort"
)

// Mode is how required roles must act.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

// OverridePolicy and DelegationPolicy dominance per RCH-05: forbid >
// restricted > yes for override visibility; requires_dual_control >
// limited > forbid for delegation scope.
type OverridePolicy string

const (
	OverrideForbid     OverridePolicy = "forbid"
	OverrideRestricted OverridePolicy = "restricted"
	OverrideYes        OverridePolicy = "yes"
)

var overrideRank = map[OverridePolicy]int{
	OverrideForbid:     3,
	OverrideRestricted: 2,
	OverrideYes:        1,
}

// MostRestrictiveOverride returns whichever of a, b dominates per RCH-05
// (forbid > restricted > yes).
func MostRestrictiveOverride(a, b OverridePolicy) OverridePolicy {
	if overrideRank[a] >= overrideRank[b] {
		return a
	}
	return b
}

type DelegationPolicy string

const (
	DelegationRequiresDualControl DelegationPolicy = "requires_dual_control"
	DelegationLimited             DelegationPolicy = "limited"
	DelegationForbid              DelegationPolicy = "forbid"
)

var delegationRank = map[DelegationPolicy]int{
	DelegationRequiresDualControl: 3,
	DelegationLimited:             2,
	DelegationForbid:              1,
}

// MostRestrictiveDelegation returns whichever of a, b dominates per RCH-05
// (requires_dual_control > limited > forbid).
func MostRestrictiveDelegation(a, b DelegationPolicy) DelegationPolicy {
	if delegationRank[a] >= delegationRank[b] {
		return a
	}
	return b
}

// ThresholdMatch is one matched threshold rule from the policy evaluation
// (S70's output), carrying its commercial authority role and SLA windows.
type ThresholdMatch struct {
	Role             string
	AuthorityRank    int
	Orthogonal       bool
	RequiresParallel bool
	SLAHours         int
	EscalationHours  int
	Override         OverridePolicy
	Delegation       DelegationPolicy
}

// RoleLadder maps a role name to its authority rank; CanDelegate compares
// ranks on it.
type RoleLadder map[string]int

// Resolution is the pure function's output: the fully resolved governance
// requirement for one approval request.
type Resolution struct {
	RequiredRoleSet []string
	Mode            Mode
	SLAHours        int
	EscalationHours int
	Override        OverridePolicy
	Delegation      DelegationPolicy
}

// Resolve implements the six-step authority resolution of §4.7, a pure
// function of its arguments with no hidden state. Ranks come from each
// match's AuthorityRank; ladder is accepted but not consulted.
func Resolve(matches []ThresholdMatch, ladder RoleLadder) Resolution {
	if len(matches) == 0 {
		return Resolution{Mode: ModeSequential}
	}

	var primary *ThresholdMatch
	orthogonal := map[string]bool{}
	mode := ModeSequential
	sla, escalation := -1, -1
	var override OverridePolicy
	var delegation DelegationPolicy

	for i := range matches {
		m := matches[i]
		if m.Orthogonal {
			orthogonal[m.Role] = true
		} else if primary == nil || m.AuthorityRank > primary.AuthorityRank {
			primary = &m
		}
		if m.RequiresParallel {
			mode = ModeParallel
		}
		// Strictest SLA/escalation window: the smallest positive value
		// governs (zero means unset), since a shorter window is more
		// restrictive.
		if m.SLAHours > 0 && (sla == -1 || m.SLAHours < sla) {
			sla = m.SLAHours
		}
		if m.EscalationHours > 0 && (escalation == -1 || m.EscalationHours < escalation) {
			escalation = m.EscalationHours
		}
		if m.Override != "" {
			if override == "" {
				override = m.Override
			} else {
				override = MostRestrictiveOverride(override, m.Override)
			}
		}
		if m.Delegation != "" {
			if delegation == "" {
				delegation = m.Delegation
			} else {
				delegation = MostRestrictiveDelegation(delegation, m.Delegation)
			}
		}
	}

	roleSet := map[string]bool{}
	if primary != nil {
		roleSet[primary.Role] = true
	}
	for role := range orthogonal {
		roleSet[role] = true
	}
	roles := make([]string, 0, len(roleSet))
	for r := range roleSet {
		roles = append(roles, r)
	}
	sort.Strings(roles)

	if sla < 0 {
		sla = 0
	}
	if escalation < 0 {
		escalation = 0
	}

	return Resolution{
		RequiredRoleSet: roles,
		Mode:            mode,
		SLAHours:        sla,
		EscalationHours: escalation,
		Override:        override,
		Delegation:      delegation,
	}
}

// CanDelegate reports whether delegate may stand in for originalRole: the
// delegate's role scope must be equal-or-higher in ladder.
func CanDelegate(ladder RoleLadder, originalRole, delegateRole string) bool {
	orig, ok1 := ladder[originalRole]
	del, ok2 := ladder[delegateRole]
	if !ok1 || !ok2 {
		return false
	}
	return del >= orig
}
