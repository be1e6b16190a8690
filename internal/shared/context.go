package shared

import "context"

// Actor identifies who triggered an operation: a staff member, a customer
// or the system itself.
type Actor struct {
	ID   string
	Role string
}

// System roles used when no human is involved.
const (
	RoleSystem   = "system"
	RoleStaff    = "staff"
	RoleCustomer = "customer"
)

// SystemActor is attributed to scheduled jobs and sync runs.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor, falling back to SystemActor.
func ActorFromContext(ctx context.Context) Actor {
	if actor, ok := ctx.Value(actorContextKey{}).(Actor); ok && actor.ID != "" {
		return actor
	}
	return SystemActor
}
