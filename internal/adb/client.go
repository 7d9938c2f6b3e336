package adb

import (
	"context"
	"fmt"
	"strings"

	"github.com/electricbubble/gadb"
)

// Transport is a single device attached to the adb server.
type Transport interface {
	Serial() string
	Info() Device
	Shell(cmd string, args ...string) (string, error)
}

// Source lists the transports currently attached to the adb server.
type Source interface {
	Transports(ctx context.Context) ([]Transport, error)
}

// Client talks to the adb server over its socket protocol.
type Client struct {
	adb gadb.Client
}

// NewClient connects to the adb server at host:port.
func NewClient(host string, port int) (*Client, error) {
	c, err := gadb.NewClientWith(host, port)
	if err != nil {
		return nil, fmt.Errorf("connect adb server %s:%d: %w", host, port, err)
	}
	return &Client{adb: c}, nil
}

// Devices returns all attached devices, including offline ones.
func (c *Client) Devices() ([]Device, error) {
	list, err := c.adb.DeviceList()
	if err != nil {
		return nil, fmt.Errorf("adb devices: %w", err)
	}
	devices := make([]Device, 0, len(list))
	for _, d := range list {
		devices = append(devices, describe(d))
	}
	return devices, nil
}

// Transports returns the online devices. It implements Source.
func (c *Client) Transports(ctx context.Context) ([]Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	list, err := c.adb.DeviceList()
	if err != nil {
		return nil, fmt.Errorf("adb devices: %w", err)
	}
	var out []Transport
	for _, d := range list {
		t := gadbTransport{dev: d, info: describe(d)}
		if !t.info.IsOnline() {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Connect connects to a wireless ADB device.
func (c *Client) Connect(ip string, port int) error {
	addr := fmt.Sprintf("%s:%d", ip, port)
	if err := c.adb.Connect(ip, port); err != nil {
		return fmt.Errorf("adb connect %s: %w", addr, err)
	}
	return nil
}

func describe(d gadb.Device) Device {
	info := d.DeviceInfo()
	state := "unknown"
	if s, err := d.State(); err == nil {
		state = string(s)
	}
	if state == string(gadb.StateOnline) {
		state = "online"
	}
	return Device{
		Serial:      d.Serial(),
		State:       strings.ToLower(state),
		ConnType:    classify(d.Serial(), info["usb"] != ""),
		Model:       info["model"],
		Product:     info["product"],
		TransportID: info["transport_id"],
	}
}

type gadbTransport struct {
	dev  gadb.Device
	info Device
}

func (t gadbTransport) Serial() string { return t.info.Serial }
func (t gadbTransport) Info() Device   { return t.info }

func (t gadbTransport) Shell(cmd string, args ...string) (string, error) {
	return t.dev.RunShellCommand(cmd, args...)
}
