// Package console is a client for the emulator's telnet-style control port.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrUnsupported is returned when the emulator rejects a command, which is
// what older emulator builds do for "avd path".
var ErrUnsupported = errors.New("console command not supported")

// DefaultTokenPath returns the location of the console auth token.
func DefaultTokenPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".emulator_console_auth_token")
}

// Console is an open session on an emulator console port.
type Console struct {
	mu      sync.Mutex
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
	closed  bool
}

// Dial opens the console on host:port and authenticates with the token in
// tokenPath when the emulator asks for it.
func Dial(ctx context.Context, host string, port int, tokenPath string) (*Console, error) {
	addr := net.JoinHostPort(host, fmt.Sprint(port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial console %s: %w", addr, err)
	}
	c := &Console{conn: conn, r: bufio.NewReader(conn), timeout: 5 * time.Second}
	if deadline, ok := ctx.Deadline(); ok {
		c.timeout = time.Until(deadline)
	}

	banner, err := c.readReply()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read console banner: %w", err)
	}
	if strings.Contains(strings.Join(banner, "\n"), "Authentication required") {
		token, err := os.ReadFile(tokenPath)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("read console token: %w", err)
		}
		if _, err := c.command("auth " + strings.TrimSpace(string(token))); err != nil {
			conn.Close()
			return nil, fmt.Errorf("console auth: %w", err)
		}
	}
	return c, nil
}

// AvdPath returns the absolute path of the running AVD's data directory.
func (c *Console) AvdPath(ctx context.Context) (string, error) {
	lines, err := c.commandContext(ctx, "avd path")
	if err != nil {
		return "", err
	}
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			return l, nil
		}
	}
	return "", fmt.Errorf("avd path: empty reply")
}

// AvdName returns the name of the running AVD.
func (c *Console) AvdName(ctx context.Context) (string, error) {
	lines, err := c.commandContext(ctx, "avd name")
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", fmt.Errorf("avd name: empty reply")
	}
	return strings.TrimSpace(lines[0]), nil
}

// Kill asks the emulator to shut down.
func (c *Console) Kill(ctx context.Context) error {
	_, err := c.commandContext(ctx, "kill")
	if err != nil && errors.Is(err, errClosedByPeer) {
		// The emulator may hang up before acknowledging.
		return nil
	}
	return err
}

// Close ends the session. It is safe to call more than once.
func (c *Console) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.conn.Write([]byte("quit\n"))
	return c.conn.Close()
}

var errClosedByPeer = errors.New("console closed by peer")

func (c *Console) commandContext(ctx context.Context, cmd string) ([]string, error) {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	defer stop()
	lines, err := c.command(cmd)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return lines, err
}

func (c *Console) command(cmd string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, net.ErrClosed
	}
	c.conn.SetDeadline(time.Now().Add(c.timeout))
	if _, err := c.conn.Write([]byte(cmd + "\n")); err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	lines, err := c.readReply()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	return lines, nil
}

// readReply reads lines up to the terminating OK or KO line.
func (c *Console) readReply() ([]string, error) {
	var lines []string
	for {
		line, err := c.r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "OK", strings.HasPrefix(line, "OK:"):
			return lines, nil
		case strings.HasPrefix(line, "KO"):
			return lines, fmt.Errorf("%w: %s", ErrUnsupported, strings.TrimSpace(strings.TrimPrefix(line, "KO:")))
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return lines, errClosedByPeer
			}
			return lines, err
		}
		lines = append(lines, line)
	}
}
