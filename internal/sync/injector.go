//go:build wireinject

package sync

import "github.com/google/wire"

// InitializeEngine builds an Engine for spec using the reference
// retry/conflict/throttle defaults. Regenerate wire_gen.go with
// `wire ./internal/sync` after changing Set.
func InitializeEngine(spec JobSpec) (*Engine, error) {
	wire.Build(Set)
	return nil, nil
}
