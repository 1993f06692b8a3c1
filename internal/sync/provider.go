package sync

import (
	"github.com/google/wire"

	"github.com/scottthesecond/sync-frame/internal/linkindex"
	"github.com/scottthesecond/sync-frame/internal/throttle"
	"github.com/scottthesecond/sync-frame/internal/transform"
	"github.com/scottthesecond/sync-frame/internal/types"
)

// Set wires a JobSpec's ancillary configuration (retry, conflict
// policy, per-side throttles) into a ready Engine.
var Set = wire.NewSet(
	ProvideRetryConfig,
	ProvideConflictPolicy,
	ProvideThrottleConfig,
	ProvideThrottleA,
	ProvideThrottleB,
	NewEngine,
)

// JobSpec is the host-supplied job descriptor from section 6: the two
// sides, the mapper, the link index, and optional batch sizes. Retry,
// conflict policy, and throttle configuration are filled in by the
// Provide* functions below when not overridden.
type JobSpec struct {
	ID string

	SideA types.Side
	SideB types.Side
	Mapper types.Mapper

	LinkIndex linkindex.LinkIndex

	BatchSizeA int
	BatchSizeB int
}

// ThrottleA and ThrottleB are distinct types over *throttle.Throttler
// so wire can provide one of each into NewEngine without ambiguity.
type ThrottleA struct{ *throttle.Throttler }
type ThrottleB struct{ *throttle.Throttler }

// ProvideRetryConfig supplies the reference retry defaults.
func ProvideRetryConfig() RetryConfig {
	return DefaultRetryConfig()
}

// ProvideConflictPolicy supplies the reference conflict policy
// default.
func ProvideConflictPolicy() transform.Policy {
	return transform.DefaultPolicy
}

// ProvideThrottleConfig supplies the reference throttle defaults,
// shared by both sides unless a caller assembles a Job directly with
// its own throttlers.
func ProvideThrottleConfig() throttle.Config {
	return throttle.DefaultConfig()
}

// ProvideThrottleA constructs side A's throttler.
func ProvideThrottleA(cfg throttle.Config) ThrottleA {
	return ThrottleA{throttle.New(cfg)}
}

// ProvideThrottleB constructs side B's throttler.
func ProvideThrottleB(cfg throttle.Config) ThrottleB {
	return ThrottleB{throttle.New(cfg)}
}

// NewEngine assembles a JobSpec and its resolved ancillary
// configuration into an Engine.
func NewEngine(spec JobSpec, retry RetryConfig, policy transform.Policy, ta ThrottleA, tb ThrottleB) *Engine {
	return New(Job{
		ID:             spec.ID,
		SideA:          spec.SideA,
		SideB:          spec.SideB,
		Mapper:         spec.Mapper,
		LinkIndex:      spec.LinkIndex,
		ThrottleA:      ta.Throttler,
		ThrottleB:      tb.Throttler,
		BatchSizeA:     spec.BatchSizeA,
		BatchSizeB:     spec.BatchSizeB,
		Retry:          retry,
		ConflictPolicy: policy,
	})
}
