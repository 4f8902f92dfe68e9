package shared

import (
	"context"

	"github.com/google/uuid"
)

// Actor is the authenticated caller of a pipeline operation.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

// Can reports whether the actor's role holds permission.
func (a Actor) Can(permission string) bool {
	return Can(a.Role, permission)
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
