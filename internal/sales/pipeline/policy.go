package pipeline

import (
	"fmt"
	"strings"
)

// Policy is a versioned set of lead rules: the transition table plus the
// statuses the workflow operations start from and propagate to.
type Policy struct {
	Name string

	transitions map[LeadStatus][]LeadStatus
	order       []LeadStatus

	// Initial is the status of a new lead; reviews start from it.
	Initial LeadStatus
	// AssignFrom is the status a lead must hold for a first assignment.
	AssignFrom LeadStatus
	// Assigned is the status set by assignment. Leads in it may be re-assigned.
	Assigned LeadStatus
	// Quotable lists the statuses from which quotations may be created.
	Quotable []LeadStatus
	// OnQuotationSent, OnQuotationApproved and OnOrderConverted are the lead
	// statuses propagated by those events. Empty means the lead is untouched.
	OnQuotationSent     LeadStatus
	OnQuotationApproved LeadStatus
	OnOrderConverted    LeadStatus
	// OnFollowup is set when a follow-up is recorded, unless the lead already
	// holds one of FollowupKeeps.
	OnFollowup    LeadStatus
	FollowupKeeps []LeadStatus
}

// Canonical is the default policy: leads are reviewed, assigned, quoted and
// converted, with explicit client approval.
var Canonical = &Policy{
	Name: "canonical",
	transitions: map[LeadStatus][]LeadStatus{
		LeadNew:                   {LeadApproved, LeadRejected},
		LeadApproved:              {LeadAssigned, LeadRejected},
		LeadAssigned:              {LeadFollowUp, LeadClientApprovalPending, LeadRejected},
		LeadFollowUp:              {LeadClientApprovalPending, LeadRejected, LeadConvertedToOrder},
		LeadClientApprovalPending: {LeadApprovedByClient, LeadFollowUp, LeadRejected},
		LeadApprovedByClient:      {LeadConvertedToOrder, LeadRejected},
		LeadRejected:              nil,
		LeadConvertedToOrder:      nil,
	},
	order: []LeadStatus{
		LeadNew, LeadApproved, LeadAssigned, LeadFollowUp, LeadClientApprovalPending,
		LeadApprovedByClient, LeadRejected, LeadConvertedToOrder,
	},
	Initial:             LeadNew,
	AssignFrom:          LeadApproved,
	Assigned:            LeadAssigned,
	Quotable:            []LeadStatus{LeadAssigned, LeadFollowUp},
	OnQuotationSent:     LeadFollowUp,
	OnQuotationApproved: LeadApprovedByClient,
	OnOrderConverted:    LeadConvertedToOrder,
	OnFollowup:          LeadFollowUp,
	FollowupKeeps:       []LeadStatus{LeadFollowUp, LeadClientApprovalPending},
}

// Legacy reproduces the earlier rule set: no review approval step, leads are
// qualified by hand before quoting, and quotation decisions leave the lead alone.
var Legacy = &Policy{
	Name: "legacy",
	transitions: map[LeadStatus][]LeadStatus{
		LeadNew:           {LeadAssigned, LeadRejected},
		LeadAssigned:      {LeadContacted, LeadLost},
		LeadContacted:     {LeadQualified, LeadLost},
		LeadQualified:     {LeadQuotationSent, LeadLost},
		LeadQuotationSent: {LeadFollowUp, LeadQualified, LeadLost},
		LeadFollowUp:      {LeadQuotationSent, LeadQualified, LeadLost},
		LeadRejected:      nil,
		LeadLost:          nil,
	},
	order: []LeadStatus{
		LeadNew, LeadAssigned, LeadContacted, LeadQualified, LeadQuotationSent,
		LeadFollowUp, LeadRejected, LeadLost,
	},
	Initial:         LeadNew,
	AssignFrom:      LeadNew,
	Assigned:        LeadAssigned,
	Quotable:        []LeadStatus{LeadQualified},
	OnQuotationSent: LeadQuotationSent,
	OnFollowup:      LeadFollowUp,
	FollowupKeeps:   []LeadStatus{LeadFollowUp},
}

// PolicyByName resolves a configured policy name.
func PolicyByName(name string) (*Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", Canonical.Name:
		return Canonical, nil
	case Legacy.Name:
		return Legacy, nil
	default:
		return nil, fmt.Errorf("pipeline: unknown policy %q", name)
	}
}

// Statuses lists every lead status the policy knows, in table order.
func (p *Policy) Statuses() []LeadStatus {
	out := make([]LeadStatus, len(p.order))
	copy(out, p.order)
	return out
}

// IsValid reports whether s belongs to the policy.
func (p *Policy) IsValid(s LeadStatus) bool {
	_, ok := p.transitions[s]
	return ok
}

// CanTransition reports whether the table holds the edge from -> to.
func (p *Policy) CanTransition(from, to LeadStatus) bool {
	return contains(p.transitions[from], to)
}

// IsTerminal reports whether s has no outgoing edges.
func (p *Policy) IsTerminal(s LeadStatus) bool {
	next, ok := p.transitions[s]
	return ok && len(next) == 0
}

// IsQuotable reports whether a lead in s may receive a new quotation.
func (p *Policy) IsQuotable(s LeadStatus) bool {
	return contains(p.Quotable, s)
}

// Route returns the shortest chain of legal edges from -> to, excluding from
// itself. It is empty when from == to. Hops never pass through the statuses
// owned by review and assignment, which only their own operations may enter.
func (p *Policy) Route(from, to LeadStatus) ([]LeadStatus, bool) {
	if from == to {
		return nil, true
	}
	prev := map[LeadStatus]LeadStatus{from: from}
	queue := []LeadStatus{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range p.transitions[cur] {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == to {
				return p.unwind(prev, from, to), true
			}
			if p.isBarrier(next) {
				continue
			}
			queue = append(queue, next)
		}
	}
	return nil, false
}

func (p *Policy) unwind(prev map[LeadStatus]LeadStatus, from, to LeadStatus) []LeadStatus {
	var route []LeadStatus
	for cur := to; cur != from; cur = prev[cur] {
		route = append([]LeadStatus{cur}, route...)
	}
	return route
}

func (p *Policy) isBarrier(s LeadStatus) bool {
	return s == p.Initial || s == p.AssignFrom || s == p.Assigned
}
