package model

import "context"

// Emitter persists or publishes a finished batch run.
type Emitter interface {
	Emit(ctx context.Context, run BatchRun) error
}

type EmitCloser interface {
	Emitter
	Close() error
}
