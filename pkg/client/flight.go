package client

import (
	"context"
	"time"

	"github.com/a-essam23/studyhub/pkg/identity"
	"golang.org/x/sync/singleflight"
)

// flight is the slot for the one outstanding identity verification. A caller
// that arrives while a verification for the same session is running gets
// that call's result; no second request is issued.
type flight struct {
	group   singleflight.Group
	timeout time.Duration
}

type verifyFunc func(ctx context.Context) (*identity.Profile, error)

// do runs fn unless a call for key is already in flight. The shared call is
// detached from ctx so an abandoned waiter does not cancel it for the
// others; ctx only bounds how long this caller waits.
func (f *flight) do(ctx context.Context, key string, fn verifyFunc) (*identity.Profile, bool, error) {
	ch := f.group.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		defer cancel()
		return fn(callCtx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*identity.Profile), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
