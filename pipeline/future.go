package pipeline

import (
	"time"
)

// Future is the deferred result of Pipeline.Send.
type Future struct {
	done chan struct{}
	resp *Response
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(resp *Response, err error) {
	f.resp = resp
	f.err = err
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the operation completes.
func (f *Future) Result() (*Response, error) {
	<-f.done
	return f.resp, f.err
}

// Wait blocks until the operation completes or timeout elapses, whichever
// comes first. A non-positive timeout waits indefinitely.
//
// On timeout a *TimeoutError is returned and the operation keeps running:
// its result can still be collected with Result. Cancel the request's
// context to stop it.
func (f *Future) Wait(timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		return f.Result()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.resp, f.err
	case <-timer.C:
		return nil, &TimeoutError{After: timeout}
	}
}
