package action

import "context"

// Handler executes a request against the outside world.
type Handler func(ctx context.Context, req Request) (Result, error)
