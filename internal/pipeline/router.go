package pipeline

import (
	"context"

	"github.com/TopGunBuild/topgun/internal/errors"
	"github.com/TopGunBuild/topgun/internal/operation"
)

// Router dispatches operations to the handler registered for their
// service.
type Router struct {
	handlers map[string]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register binds a service name to its handler. Registration happens
// during startup, before any dispatch.
func (r *Router) Register(service string, h Handler) {
	r.handlers[service] = h
}

// Handle routes op to its service handler. A service that passed
// classification but has no handler on this node yields a
// notImplemented result.
func (r *Router) Handle(ctx context.Context, op *operation.Operation) *operation.Result {
	h, ok := r.handlers[op.Context.ServiceName]
	if !ok {
		return operation.ErrResult(op.Context.CallID,
			errors.NotImplemented(op.Context.ServiceName, op.Context.CallID))
	}
	return h(ctx, op)
}
