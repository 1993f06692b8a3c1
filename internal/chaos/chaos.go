// Package chaos provides fault-injection decorators over
// types.Adapter, for exercising the sync engine's retry and
// auto-disable paths without a real flaky remote.
package chaos

import (
	"context"
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/scottthesecond/sync-frame/internal/types"
)

// ErrChaos is returned by a chaos-wrapped ApplyChanges call that was
// chosen to fail.
var ErrChaos = errors.New("chaos: injected failure")

// adapter wraps a delegate types.Adapter, intercepting ApplyChanges
// through a caller-supplied decision function.
type adapter struct {
	delegate types.Adapter
	shouldFail func() error
}

var _ types.Adapter = (*adapter)(nil)

func (a *adapter) GetUpdates(ctx context.Context, cursor types.Cursor) (types.ChangeSet, types.Cursor, error) {
	return a.delegate.GetUpdates(ctx, cursor)
}

func (a *adapter) ApplyChanges(ctx context.Context, changes types.ChangeSet) error {
	if err := a.shouldFail(); err != nil {
		return err
	}
	return a.delegate.ApplyChanges(ctx, changes)
}

func (a *adapter) SerializeCursor(cursor types.Cursor) (string, error) {
	return a.delegate.SerializeCursor(cursor)
}

func (a *adapter) DeserializeCursor(token string) (types.Cursor, error) {
	return a.delegate.DeserializeCursor(token)
}

// WithChaos wraps delegate so that each ApplyChanges call independently
// fails with ErrChaos with probability prob (0 <= prob <= 1).
func WithChaos(delegate types.Adapter, prob float32) types.Adapter {
	return &adapter{
		delegate: delegate,
		shouldFail: func() error {
			if rand.Float32() < prob {
				return ErrChaos
			}
			return nil
		},
	}
}

// FailTimes wraps delegate so that the first n calls to ApplyChanges
// return err (ErrChaos if err is nil), and every call after that is
// passed through to delegate.
func FailTimes(delegate types.Adapter, n int, err error) types.Adapter {
	if err == nil {
		err = ErrChaos
	}
	var mu sync.Mutex
	remaining := n
	return &adapter{
		delegate: delegate,
		shouldFail: func() error {
			mu.Lock()
			defer mu.Unlock()
			if remaining <= 0 {
				return nil
			}
			remaining--
			return err
		},
	}
}

// Always wraps delegate so every ApplyChanges call fails with err
// (ErrChaos if err is nil), modeling a remote that never recovers.
func Always(delegate types.Adapter, err error) types.Adapter {
	if err == nil {
		err = ErrChaos
	}
	return &adapter{
		delegate: delegate,
		shouldFail: func() error {
			return err
		},
	}
}
