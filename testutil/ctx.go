package testutil

import (
	"context"
	"testing"
	"time"
)

// Wait durations for test contexts. Use the shortest duration that the
// operation under test can reliably complete in; CI machines are slow.
const (
	WaitShort  = 10 * time.Second
	WaitMedium = 15 * time.Second
	WaitLong   = 25 * time.Second
)

// Context returns a context that is canceled after the given duration or
// when the test ends, whichever comes first.
func Context(t testing.TB, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
