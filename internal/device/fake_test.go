package device

import (
	"context"
	"sync"
)

type fakeConn struct {
	serial string
	conn   ConnectionType
	props  map[string]string

	once sync.Once
	done chan struct{}
}

func newFakeConn(serial string, props map[string]string) *fakeConn {
	return &fakeConn{serial: serial, conn: USB, props: props, done: make(chan struct{})}
}

func (f *fakeConn) Serial() string                 { return f.serial }
func (f *fakeConn) ConnectionType() ConnectionType { return f.conn }
func (f *fakeConn) Done() <-chan struct{}          { return f.done }
func (f *fakeConn) disconnect()                    { f.once.Do(func() { close(f.done) }) }

func (f *fakeConn) Properties(context.Context) (map[string]string, error) {
	return f.props, nil
}

func (f *fakeConn) Shell(context.Context, string, ...string) (string, error) {
	return "", nil
}
