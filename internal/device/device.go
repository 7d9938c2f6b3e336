package device

import (
	"context"
	"time"
)

// ConnectedDevice is a live connection reported by the device transport.
type ConnectedDevice interface {
	// Serial is the transport-assigned connection name, e.g. "emulator-5554"
	// or "192.168.1.20:5555".
	Serial() string

	// ConnectionType classifies the transport link.
	ConnectionType() ConnectionType

	// Properties reads all system properties from the device.
	Properties(ctx context.Context) (map[string]string, error)

	// Shell runs a shell command on the device and returns its output.
	Shell(ctx context.Context, cmd string, args ...string) (string, error)

	// Done is closed exactly once, when the connection goes away.
	Done() <-chan struct{}
}

// Plugin provisions one kind of device.
type Plugin interface {
	// Name identifies the plugin in logs and published topics.
	Name() string

	// Claim binds conn to a handle this plugin manages. It returns false when
	// the connection is not one of ours; declining is not an error.
	Claim(ctx context.Context, conn ConnectedDevice) (*Handle, bool)

	// Devices is the observable list of handles owned by the plugin.
	Devices() *List

	// Run performs the plugin's background work until ctx is done.
	Run(ctx context.Context) error

	// Close cancels the plugin scope and every handle in it.
	Close() error
}

// Event reports a handle state change or removal.
type Event struct {
	Plugin  string
	Handle  *Handle
	State   State
	Removed bool
	At      time.Time
}

// ReadProperties queries conn for its system properties and builds
// Properties from them.
func ReadProperties(ctx context.Context, conn ConnectedDevice) (Properties, map[string]string, error) {
	props, err := conn.Properties(ctx)
	if err != nil {
		return Properties{}, nil, err
	}
	return FromProps(props, conn.ConnectionType()), props, nil
}
