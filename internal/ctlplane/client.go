package ctlplane

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/rpc"
	"time"

	"mudward.io/mudward/internal/device"
	"mudward.io/mudward/internal/firewall"
	"mudward.io/mudward/internal/protocol"
)

// Client is the enforcer-side handle to the controller. It holds one RPC
// channel; the controller refuses a second channel from the same address.
type Client struct {
	rpc *rpc.Client
}

// ClientOptions configures a controller connection.
type ClientOptions struct {
	Addr          string
	TLSConfig     *tls.Config
	DialTimeout   time.Duration
	MaxFrameBytes int
}

// Dial connects to the controller and performs the TLS handshake eagerly so
// certificate problems surface before the first call.
func Dial(opts ClientOptions) (*Client, error) {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", opts.Addr, opts.TLSConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to controller at %s: %w", opts.Addr, err)
	}

	return NewClient(conn, opts.MaxFrameBytes), nil
}

// NewClient wraps an established connection. Useful for tests driving the
// codec over an in-memory pipe.
func NewClient(conn net.Conn, maxFrame int) *Client {
	return &Client{rpc: rpc.NewClientWithCodec(NewClientCodec(conn, maxFrame))}
}

// Heartbeat reports the locally applied config version. A nil return config
// means the version is current; otherwise the returned config replaces it.
func (c *Client) Heartbeat(version *uint64) (*firewall.EnforcerConfig, error) {
	var reply protocol.HeartbeatReply
	if err := c.rpc.Call("Controller.Heartbeat", &protocol.HeartbeatArgs{Version: version}, &reply); err != nil {
		return nil, err
	}
	return reply.Config, nil
}

// DHCPRequest forwards a lease sighting to the controller.
func (c *Client) DHCPRequest(lease device.Lease) error {
	var reply protocol.DHCPRequestReply
	return c.rpc.Call("Controller.DHCPRequest", &protocol.DHCPRequestArgs{Lease: lease}, &reply)
}

// Close tears down the channel.
func (c *Client) Close() error {
	return c.rpc.Close()
}
