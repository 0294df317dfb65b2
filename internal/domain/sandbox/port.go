package sandbox

import "context"

// Provisioner builds persistent environments keyed by requirements hash.
type Provisioner interface {
	// Lookup returns an environment built earlier (possibly by another process).
	Lookup(ctx context.Context, hash string) (Environment, bool, error)
	// Provision builds the environment; on failure nothing is left registered under hash.
	Provision(ctx context.Context, hash string, requirements []byte) (Environment, error)
	// Healthy reports whether the environment's backing storage still exists.
	Healthy(ctx context.Context, env Environment) bool
}

// Executor port (interface untuk eksekusi script analyzer)
type Executor interface {
	// Execute runs one invocation. A nonzero exit or a timeout is reported in
	// Result; the error is reserved for failures to create the execution context.
	Execute(ctx context.Context, inv Invocation) (Result, error)
}

// Locker serializes provisioning of the same hash across processes.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func() error, err error)
}
