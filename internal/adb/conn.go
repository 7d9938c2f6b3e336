package adb

import (
	"context"
	"fmt"
	"sync"

	"github.com/FluidXR/droidprov/internal/device"
)

// Connection is a live transport handed to the provisioning plugins.
// It implements device.ConnectedDevice.
type Connection struct {
	transport Transport
	info      Device

	once sync.Once
	done chan struct{}
}

func newConnection(t Transport) *Connection {
	return &Connection{transport: t, info: t.Info(), done: make(chan struct{})}
}

// Serial returns the transport serial.
func (c *Connection) Serial() string { return c.info.Serial }

// ConnectionType returns how the device is attached.
func (c *Connection) ConnectionType() device.ConnectionType { return c.info.ConnType }

// Info returns the listing row the connection was created from.
func (c *Connection) Info() Device { return c.info }

// Done is closed when the tracker stops seeing the device.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Properties reads the device's system properties.
func (c *Connection) Properties(ctx context.Context) (map[string]string, error) {
	out, err := c.Shell(ctx, "getprop")
	if err != nil {
		return nil, fmt.Errorf("getprop %s: %w", c.info.Serial, err)
	}
	return parseGetprop(out), nil
}

// Shell runs a command on the device. The socket protocol has no
// cancellation, so when ctx ends first the command is abandoned.
func (c *Connection) Shell(ctx context.Context, cmd string, args ...string) (string, error) {
	type result struct {
		out string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := c.transport.Shell(cmd, args...)
		ch <- result{out, err}
	}()
	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.done:
		return "", fmt.Errorf("%s: %w", c.info.Serial, ErrDisconnected)
	}
}

func (c *Connection) close() {
	c.once.Do(func() { close(c.done) })
}
