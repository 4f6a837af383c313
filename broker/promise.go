package broker

import (
	"context"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// Promise is the pending result of a request sent on a Conn.
type Promise struct {
	req      kmsg.Request
	corr     int32
	deadline time.Time
	sentAt   time.Time

	once sync.Once
	done chan struct{}
	resp kmsg.Response
	err  error
}

func newPromise(req kmsg.Request) *Promise {
	return &Promise{req: req, done: make(chan struct{})}
}

func (p *Promise) resolve(resp kmsg.Response, err error) {
	p.once.Do(
		func() {
			p.resp = resp
			p.err = err
			close(p.done)
		},
	)
}

// Done is closed once the response or an error is available.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome; it must only be called after Done is closed.
func (p *Promise) Result() (kmsg.Response, error) {
	return p.resp, p.err
}

// Request returns the request this promise belongs to, with its negotiated version.
func (p *Promise) Request() kmsg.Request {
	return p.req
}

// Wait blocks until the promise resolves or ctx is done. A done ctx abandons
// the wait only; the request itself still completes.
func (p *Promise) Wait(ctx context.Context) (kmsg.Response, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func resolved(err error) *Promise {
	p := &Promise{done: make(chan struct{})}
	p.resolve(nil, err)
	return p
}
