package proxy

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/rs/zerolog/log"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultKeepAlive      = 30 * time.Second
)

// Resolver maps a host name to addresses of one family ("ip4" or "ip6").
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// ConnectorOptions configures a Connector.
type ConnectorOptions struct {
	// Timeout bounds each connection attempt, name resolution included.
	Timeout time.Duration
	// KeepAlive is the TCP keep-alive period for upstream connections.
	KeepAlive time.Duration
	// BindAddresses are local source addresses; one of the target's family is
	// picked at random per connection.
	BindAddresses []net.IP
	// Resolver replaces net.DefaultResolver when set.
	Resolver Resolver
}

// Connector opens outbound TCP connections to already-authorized targets.
// It never retries.
type Connector struct {
	dialer  transport.StreamDialer
	timeout time.Duration
}

// NewConnector builds a Connector using Happy Eyeballs over a TCP dialer.
func NewConnector(opts ConnectorOptions) *Connector {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	keepAlive := opts.KeepAlive
	if keepAlive == 0 {
		keepAlive = defaultKeepAlive
	}
	base := &boundDialer{dialer: net.Dialer{KeepAlive: keepAlive}}
	for _, ip := range opts.BindAddresses {
		if ip4 := ip.To4(); ip4 != nil {
			base.v4 = append(base.v4, ip4)
		} else {
			base.v6 = append(base.v6, ip)
		}
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	lookup := func(network string) func(ctx context.Context, host string) ([]netip.Addr, error) {
		return func(ctx context.Context, host string) ([]netip.Addr, error) {
			return resolver.LookupNetIP(ctx, network, host)
		}
	}
	he := &transport.HappyEyeballsStreamDialer{
		Dialer:  base,
		Resolve: transport.NewParallelHappyEyeballsResolveFunc(lookup("ip6"), lookup("ip4")),
	}
	return &Connector{dialer: he, timeout: timeout}
}

// Connect opens a connection to host:port. Failures match ErrUpstreamUnreachable.
func (c *Connector) Connect(ctx context.Context, target Target) (transport.StreamConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	conn, err := c.dialer.DialStream(dialCtx, target.Address())
	if err != nil {
		se := newSessionError(ErrUpstreamUnreachable, err)
		se.Timeout = isTimeout(err) || errors.Is(dialCtx.Err(), context.DeadlineExceeded)
		log.Debug().Err(err).Str("destination", target.Address()).Bool("timeout", se.Timeout).Msg("Upstream connect failed")
		return nil, se
	}
	log.Debug().Str("destination", target.Address()).Str("remote_addr", conn.RemoteAddr().String()).
		Dur("connect_time", time.Since(start)).Msg("Upstream connected")
	return conn, nil
}

// DialContext adapts Connect to the net.Dialer signature.
func (c *Connector) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, newSessionError(ErrUpstreamUnreachable, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, newSessionError(ErrUpstreamUnreachable, fmt.Errorf("invalid port %q", portStr))
	}
	return c.Connect(ctx, Target{Host: host, Port: port})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// boundDialer dials IP literals over TCP, binding to a random local address of
// the matching family when any are configured.
type boundDialer struct {
	dialer net.Dialer
	v4     []net.IP
	v6     []net.IP
}

var _ transport.StreamDialer = (*boundDialer)(nil)

// DialStream implements transport.StreamDialer.
func (d *boundDialer) DialStream(ctx context.Context, addr string) (transport.StreamConn, error) {
	dialer := d.dialer
	if host, _, err := net.SplitHostPort(addr); err == nil {
		if ip := net.ParseIP(host); ip != nil {
			pool := d.v6
			if ip.To4() != nil {
				pool = d.v4
			}
			if len(pool) > 0 {
				dialer.LocalAddr = &net.TCPAddr{IP: pool[rand.Intn(len(pool))]}
			}
		}
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return conn.(*net.TCPConn), nil
}
