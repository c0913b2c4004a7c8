package orchestrator

import (
	"github.com/oompalabs/oompa/internal/backend"
	"github.com/oompalabs/oompa/internal/git"
	"github.com/oompalabs/oompa/internal/store"
)

// Option customizes swarm construction. The zero set of options builds
// everything from configuration.
type Option func(*swarmOptions)

type swarmOptions struct {
	git     git.Runner
	store   store.Store
	invoker backend.Invoker
}

// WithGit substitutes the git runner, e.g. a fake in tests.
func WithGit(g git.Runner) Option {
	return func(o *swarmOptions) { o.git = g }
}

// WithStore substitutes the task store instead of opening the
// configured backend.
func WithStore(s store.Store) Option {
	return func(o *swarmOptions) { o.store = s }
}

// WithInvoker substitutes the backend invoker.
func WithInvoker(inv backend.Invoker) Option {
	return func(o *swarmOptions) { o.invoker = inv }
}
