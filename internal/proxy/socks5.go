package proxy

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"forward-proxy/internal/policy"

	"github.com/armon/go-socks5"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"
)

// SOCKS5Proxy is a SOCKS5 front end sharing the HTTP proxy's gate and
// connector. Only the CONNECT command is allowed.
type SOCKS5Proxy struct {
	name   string
	server *socks5.Server
	addr   string
}

type outcomeKey struct{}

// NewSOCKS5Proxy creates a SOCKS5Proxy. Whether username/password
// authentication is required is decided from the gate current at creation;
// credentials and rules themselves are read from guard on every request.
func NewSOCKS5Proxy(name, addr string, guard *Guard, connector *Connector, sink OutcomeSink) (*SOCKS5Proxy, error) {
	if connector == nil {
		connector = NewConnector(ConnectorOptions{})
	}
	if sink == nil {
		sink = LogSink{}
	}
	proxyLogger := zlog.Logger.With().Str("proxy_name", name).Str("protocol", "socks5").Logger()
	conf := &socks5.Config{
		Logger:   log.New(proxyLogger, "", 0),
		Resolver: passthroughResolver{},
		Rules:    &gateRules{name: name, guard: guard, sink: sink},
		Dial:     (&socksDialer{connector: connector, sink: sink}).dial,
	}
	if gate := guard.Load(); gate.Credentials.Enabled() {
		conf.AuthMethods = []socks5.Authenticator{socks5.UserPassAuthenticator{Credentials: gateCredentials{name: name, guard: guard}}}
		zlog.Info().Str("proxy_name", name).Int("user_count", gate.Credentials.Len()).Msg("SOCKS5 authentication enabled")
	} else {
		zlog.Warn().Str("proxy_name", name).Msg("SOCKS5 authentication is disabled")
	}
	server, err := socks5.New(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 server: %w", err)
	}
	return &SOCKS5Proxy{name: name, server: server, addr: addr}, nil
}

// Name returns the name of the proxy.
func (p *SOCKS5Proxy) Name() string { return p.name }

// Start listens on the configured address and serves until ctx is done.
func (p *SOCKS5Proxy) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("SOCKS5 failed to listen on %s: %w", p.addr, err)
	}
	zlog.Info().Str("proxy_name", p.name).Str("address", listener.Addr().String()).Msg("Starting SOCKS5 proxy")
	return p.Serve(ctx, listener)
}

// Serve accepts SOCKS5 clients on ln until ctx is done.
func (p *SOCKS5Proxy) Serve(ctx context.Context, ln net.Listener) error {
	l := NewListener(ln, nil, 0)
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("SOCKS5 accept: %w", err)
		}
		go func() {
			if err := p.server.ServeConn(conn); err != nil {
				zlog.Debug().Err(err).Str("proxy_name", p.name).Str("client_ip", conn.RemoteAddr().String()).Msg("SOCKS5 session ended")
			}
		}()
	}
}

// passthroughResolver leaves names unresolved so the rule set sees the host
// name and the Connector resolves it.
type passthroughResolver struct{}

func (passthroughResolver) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	return ctx, nil, nil
}

type gateCredentials struct {
	name  string
	guard *Guard
}

// Valid implements socks5.CredentialStore.
func (c gateCredentials) Valid(username, password string) bool {
	ok := c.guard.Load().Credentials.Verify(username, password)
	if !ok {
		zlog.Warn().Str("proxy_name", c.name).Str("username", username).Msg("SOCKS5 authentication failed")
	}
	return ok
}

type gateRules struct {
	name  string
	guard *Guard
	sink  OutcomeSink
}

// Allow implements socks5.RuleSet.
func (r *gateRules) Allow(ctx context.Context, req *socks5.Request) (context.Context, bool) {
	out := &Outcome{
		Time:       time.Now(),
		SessionID:  uuid.NewString(),
		Proxy:      r.name,
		ClientAddr: req.RemoteAddr.Address(),
		Mode:       ModeSOCKS5,
		Method:     commandToString(req.Command),
	}
	host := req.DestAddr.FQDN
	if host == "" {
		host = req.DestAddr.IP.String()
	}
	out.Target = net.JoinHostPort(host, strconv.Itoa(req.DestAddr.Port))
	if req.AuthContext != nil {
		out.Identity = req.AuthContext.Payload["Username"]
	}

	if req.Command != socks5.ConnectCommand {
		out.Err = fmt.Errorf("command %s not supported", out.Method)
		out.Duration = time.Since(out.Time)
		r.sink.Record(*out)
		return ctx, false
	}

	decision := r.guard.Load().Rules.Evaluate(policy.Target{Host: host, Port: req.DestAddr.Port, ClientIP: req.RemoteAddr.IP})
	out.Allowed = decision.Allowed()
	out.Rule = decision.Rule
	if !decision.Allowed() {
		out.Err = newSessionError(ErrForbidden, fmt.Errorf("%s denied by rule %q", out.Target, decision.Rule))
		out.Duration = time.Since(out.Time)
		r.sink.Record(*out)
		return ctx, false
	}
	return context.WithValue(ctx, outcomeKey{}, out), true
}

type socksDialer struct {
	connector *Connector
	sink      OutcomeSink
}

// dial connects through the Connector and records the outcome when the
// upstream connection is closed.
func (d *socksDialer) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	out, _ := ctx.Value(outcomeKey{}).(*Outcome)
	conn, err := d.connector.DialContext(ctx, network, addr)
	if out == nil {
		return conn, err
	}
	if err != nil {
		out.Err = err
		out.Duration = time.Since(out.Time)
		d.sink.Record(*out)
		return nil, err
	}
	return &recordingConn{Conn: conn, out: out, sink: d.sink}, nil
}

// recordingConn counts relayed bytes. The SOCKS5 server writes and reads it
// from separate goroutines.
type recordingConn struct {
	net.Conn
	out       *Outcome
	sink      OutcomeSink
	up, down  atomic.Int64
	closeOnce sync.Once
}

func (c *recordingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.down.Add(int64(n))
	return n, err
}

func (c *recordingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.up.Add(int64(n))
	return n, err
}

// CloseWrite lets the SOCKS5 server half-close the upstream.
func (c *recordingConn) CloseWrite() error { return closeWrite(c.Conn) }

func (c *recordingConn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(func() {
		c.out.BytesUp = c.up.Load()
		c.out.BytesDown = c.down.Load()
		c.out.Duration = time.Since(c.out.Time)
		c.sink.Record(*c.out)
	})
	return err
}

// commandToString converts a SOCKS5 command to a string.
func commandToString(cmd uint8) string {
	switch cmd {
	case socks5.ConnectCommand:
		return "CONNECT"
	case socks5.BindCommand:
		return "BIND"
	case socks5.AssociateCommand:
		return "UDP_ASSOCIATE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", cmd)
	}
}
