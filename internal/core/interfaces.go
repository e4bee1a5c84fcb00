package core

import "context"

// ObjectStore defines the interface for interacting with a key-value blob
// store, used for completed artifacts and large cached payloads.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// ProgressFunc reports generation progress as a fraction in [0.0, 1.0].
type ProgressFunc func(fraction float64)

// Engine is the external generation collaborator. Generate blocks for the
// duration of the synthesis, invokes progress at safe points, and returns a
// reference to the produced artifact.
//
// Cancellation is cooperative: the worker cancels ctx when a cancel request
// is observed, and an engine that honors it should return ctx.Err(). Engines
// that ignore ctx run to completion; the worker discards their artifact.
type Engine interface {
	Generate(ctx context.Context, req GenerationRequest, progress ProgressFunc) (string, error)
}
