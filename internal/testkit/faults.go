package testkit

import (
	"errors"
	"io"
	"sync"
)

var ErrInjectedFault = errors.New("injected fault")

// FaultyBody yields the first n bytes of data and then fails with err
// (ErrInjectedFault when nil). It stands in for a response body that breaks
// mid-transfer.
func FaultyBody(data []byte, n int, err error) io.ReadCloser {
	if err == nil {
		err = ErrInjectedFault
	}
	if n > len(data) {
		n = len(data)
	}
	return &faultyBody{rest: data[:n], err: err}
}

type faultyBody struct {
	rest []byte
	err  error
}

func (b *faultyBody) Read(p []byte) (int, error) {
	if len(b.rest) == 0 {
		return 0, b.err
	}
	n := copy(p, b.rest)
	b.rest = b.rest[n:]
	return n, nil
}

func (b *faultyBody) Close() error { return nil }

// Gate parks callers of Wait until Open. Entered is closed when the first
// caller arrives.
type Gate struct {
	Entered chan struct{}

	release chan struct{}
	arrive  sync.Once
	open    sync.Once
}

func NewGate() *Gate {
	return &Gate{Entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *Gate) Wait() {
	g.arrive.Do(func() { close(g.Entered) })
	<-g.release
}

func (g *Gate) Open() {
	g.open.Do(func() { close(g.release) })
}
