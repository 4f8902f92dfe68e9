package pipeline

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInvalidTransition marks a status edge that the active tables do not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// TransitionError names the entity and both statuses of a rejected edge.
type TransitionError struct {
	Entity Entity
	ID     uuid.UUID
	From   string
	To     string
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("invalid status transition: %s %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

func transitionError(entity Entity, id uuid.UUID, from, to, reason string) error {
	return &TransitionError{Entity: entity, ID: id, From: from, To: to, Reason: reason}
}

// Effect is one status change of one record.
type Effect struct {
	Entity Entity
	ID     uuid.UUID
	From   string
	To     string
}

// Plan is the ordered list of status changes an operation performs. All of
// them are applied in a single unit of work or none is.
type Plan struct {
	Effects []Effect
}

func (p *Plan) add(entity Entity, id uuid.UUID, from, to string) {
	p.Effects = append(p.Effects, Effect{Entity: entity, ID: id, From: from, To: to})
}

func (p *Plan) addLeadRoute(id uuid.UUID, route []LeadStatus, from LeadStatus) {
	prev := from
	for _, next := range route {
		p.add(EntityLead, id, string(prev), string(next))
		prev = next
	}
}

// Final returns the last status assigned to the record, if the plan touches it.
func (p Plan) Final(entity Entity, id uuid.UUID) (string, bool) {
	for i := len(p.Effects) - 1; i >= 0; i-- {
		e := p.Effects[i]
		if e.Entity == entity && e.ID == id {
			return e.To, true
		}
	}
	return "", false
}

// Touches reports whether the plan changes any record of the entity type.
func (p Plan) Touches(entity Entity) bool {
	for _, e := range p.Effects {
		if e.Entity == entity {
			return true
		}
	}
	return false
}
