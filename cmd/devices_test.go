package cmd

import (
	"context"
	"testing"

	"github.com/FluidXR/droidprov/internal/adb"
	"github.com/FluidXR/droidprov/internal/device"
)

type stubConn struct{ serial string }

func (c stubConn) Serial() string                        { return c.serial }
func (c stubConn) ConnectionType() device.ConnectionType { return device.USB }
func (c stubConn) Done() <-chan struct{}                 { return nil }
func (c stubConn) Properties(context.Context) (map[string]string, error) {
	return nil, nil
}
func (c stubConn) Shell(context.Context, string, ...string) (string, error) { return "", nil }

func TestUnmanaged(t *testing.T) {
	ctx := context.Background()
	handles := []*device.Handle{
		device.NewHandle(ctx, "physical", "ABC123", device.Connected(device.Properties{}, stubConn{"ABC123"})),
		device.NewHandle(ctx, "physical", "OLD999", device.Disconnected(device.Properties{})),
	}
	attached := []adb.Device{
		{Serial: "ABC123", State: "online"},
		{Serial: "DEF456", State: "unauthorized"},
		{Serial: "emulator-5554", State: "online"},
	}

	got := unmanaged(attached, handles)
	if len(got) != 2 || got[0].Serial != "DEF456" || got[1].Serial != "emulator-5554" {
		t.Fatalf("unmanaged = %+v", got)
	}
	if note := transportNote(ctx, got[0]); note != "not ready" {
		t.Fatalf("note for unauthorized device = %q", note)
	}
}
