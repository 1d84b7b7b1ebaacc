package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/tchow-twistedxcom/termbridge/internal/ipc"
)

// ErrNoResponse is returned by Request when the host closed the connection
// without answering.
var ErrNoResponse = errors.New("transport: no response")

const defaultDialTimeout = 2 * time.Second

// Client is the shell side of a modern connection.
type Client struct {
	nc      net.Conn
	maxSize int

	mu     sync.Mutex
	nextID int64
}

// Dial connects to the modern socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	d := net.Dialer{Timeout: defaultDialTimeout}
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return &Client{nc: nc, maxSize: ipc.DefaultMaxFrameSize}, nil
}

// Send writes one envelope without waiting for anything.
func (c *Client) Send(env ipc.Envelope, enc ipc.Encoding) error {
	frame, err := ipc.Serialize(env, enc)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.nc.Write(frame)
	return err
}

// Request sends a command and waits for the response carrying the same id.
// The host applies no timeout; ctx bounds the wait.
func (c *Client) Request(ctx context.Context, body ipc.CommandBody, enc ipc.Encoding) (ipc.CommandResponse, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	if err := c.Send(ipc.NewCommand(id, body), enc); err != nil {
		return ipc.CommandResponse{}, err
	}

	// Cancelling ctx unblocks the read by expiring its deadline.
	defer c.nc.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { _ = c.nc.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		respEnc, payload, err := ipc.ReadFrame(c.nc, c.maxSize)
		if err != nil {
			if ctx.Err() != nil {
				return ipc.CommandResponse{}, ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				return ipc.CommandResponse{}, ErrNoResponse
			}
			return ipc.CommandResponse{}, err
		}
		resp, err := ipc.DecodeResponse(respEnc, payload)
		if err != nil {
			return ipc.CommandResponse{}, err
		}
		if resp.ID != nil && *resp.ID == id {
			return resp, nil
		}
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.nc.Close()
}

// SendLegacy writes base64 legacy lines to the legacy socket at path.
func SendLegacy(ctx context.Context, path string, lines ...string) error {
	d := net.Dialer{Timeout: defaultDialTimeout}
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("dial %s: %w", path, err)
	}
	defer nc.Close()
	for _, line := range lines {
		if _, err := nc.Write([]byte(line + "\n")); err != nil {
			return err
		}
	}
	return nil
}
