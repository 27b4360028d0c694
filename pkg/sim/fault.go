package sim

import (
	"sync"

	laberrors "furnace-lab/pkg/errors"
)

// fault makes an instrument fail after a number of successful calls.
type fault struct {
	mu    sync.Mutex
	err   error
	after int
	calls int
}

// FailAfter makes every call after the next n fail with err. A nil err
// clears the fault.
func (f *fault) FailAfter(n int, err error) {
	f.mu.Lock()
	f.err, f.after, f.calls = err, n, 0
	f.mu.Unlock()
}

func (f *fault) check(instrument, what string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		return nil
	}
	f.calls++
	if f.calls <= f.after {
		return nil
	}
	return laberrors.InstrumentRead(instrument, what, f.err)
}
