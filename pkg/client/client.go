// Package client talks to a running rmrfd. It implements the caller-facing
// contract: stage a path for deletion with one atomic rename, then
// optionally wait for progress.
package client

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Async is the synchronicity level that fires and forgets: the call
// returns as soon as the data is staged.
const Async = -1

// RemoteError is a numeric failure reported by the daemon.
type RemoteError struct {
	Code int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rmrfd error %d", e.Code)
}

// Client connects to the daemon's unix socket.
type Client struct {
	socket string
}

// New creates a client for the daemon at socket.
func New(socket string) *Client {
	return &Client{socket: socket}
}

// Remove stages path for deletion and returns the 1KiB block count the
// daemon reported. level selects synchronicity: Async (-1) returns right
// after staging and reports zero, 0 waits until the total size is known,
// 1..100 wait until that percentage of tracked bytes is freed.
//
// The staging rename happens in the caller's process, so ordinary
// filesystem permissions apply. Once Remove returns without error the data
// is gone from its original path and will be reclaimed regardless of what
// the caller does next.
func (c *Client) Remove(ctx context.Context, path string, level int) (int64, error) {
	if level < Async || level > 100 {
		return 0, fmt.Errorf("sync level %d out of range", level)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, err
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.socket)
	if err != nil {
		return 0, fmt.Errorf("connect rmrfd: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now()) //nolint:errcheck
	})
	defer stop()

	r := bufio.NewReader(conn)

	if _, err := fmt.Fprintf(conn, "PATH %s\x00", abs); err != nil {
		return 0, err
	}
	dir, err := readReply(r)
	if err != nil {
		return 0, err
	}

	if err := os.Rename(abs, filepath.Join(dir, filepath.Base(abs))); err != nil {
		return 0, fmt.Errorf("stage %s: %w", abs, err)
	}

	if level == Async {
		// The daemon notices the staged data on its own; hanging up here
		// is the async convention.
		return 0, nil
	}

	if _, err := fmt.Fprintf(conn, "SYNC %d\x00", level); err != nil {
		return 0, err
	}
	blocks, err := readReply(r)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(blocks, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed reply %q", blocks)
	}
	return n, nil
}

// readReply parses one OK/ERR response.
func readReply(r *bufio.Reader) (string, error) {
	msg, err := r.ReadString(0)
	if err != nil {
		return "", err
	}
	msg = strings.TrimSuffix(msg, "\x00")
	if arg, ok := strings.CutPrefix(msg, "OK "); ok {
		return arg, nil
	}
	if arg, ok := strings.CutPrefix(msg, "ERR "); ok {
		code, err := strconv.Atoi(arg)
		if err != nil {
			return "", fmt.Errorf("malformed error reply %q", msg)
		}
		return "", &RemoteError{Code: code}
	}
	return "", fmt.Errorf("malformed reply %q", msg)
}
