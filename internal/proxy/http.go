package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"forward-proxy/internal/tlsctx"

	"github.com/rs/zerolog/log"
)

const defaultRealm = "proxy"

// Options configures an HTTPProxy.
type Options struct {
	ListenAddress string
	// TLS enables TLS on the client-facing side when set.
	TLS              *tlsctx.Context
	HandshakeTimeout time.Duration
	// HeaderTimeout bounds how long a client may take to send a request head,
	// including the idle time between requests on a kept connection.
	HeaderTimeout time.Duration
	// MaxHeaderBytes caps the size of a request head. Zero means
	// http.DefaultMaxHeaderBytes.
	MaxHeaderBytes int
	Realm          string
	Connector      *Connector
	Sink           OutcomeSink
}

// HTTPProxy is the HTTP forward proxy: CONNECT tunnels and forwarded
// requests on plain TCP or TLS.
type HTTPProxy struct {
	name      string
	guard     *Guard
	opts      Options
	connector *Connector
	sink      OutcomeSink

	active   atomic.Int64
	sessions sync.WaitGroup
}

// NewHTTPProxy creates an HTTPProxy enforcing the gates published by guard.
func NewHTTPProxy(name string, guard *Guard, opts Options) *HTTPProxy {
	if opts.Realm == "" {
		opts.Realm = defaultRealm
	}
	if opts.MaxHeaderBytes <= 0 {
		opts.MaxHeaderBytes = http.DefaultMaxHeaderBytes
	}
	p := &HTTPProxy{
		name:      name,
		guard:     guard,
		opts:      opts,
		connector: opts.Connector,
		sink:      opts.Sink,
	}
	if p.connector == nil {
		p.connector = NewConnector(ConnectorOptions{})
	}
	if p.sink == nil {
		p.sink = LogSink{}
	}

	gate := guard.Load()
	if gate.Credentials.Enabled() {
		log.Info().Str("proxy_name", name).Int("user_count", gate.Credentials.Len()).Msg("HTTP proxy authentication enabled")
	} else {
		log.Warn().Str("proxy_name", name).Msg("HTTP proxy authentication is disabled")
	}
	if gate.Token.Enabled() {
		log.Info().Str("proxy_name", name).Msg("HTTP proxy secret token required")
	}
	return p
}

// Name returns the name of the proxy.
func (p *HTTPProxy) Name() string { return p.name }

// Active returns the number of client connections being served.
func (p *HTTPProxy) Active() int64 { return p.active.Load() }

// Start listens on the configured address and serves until ctx is done.
func (p *HTTPProxy) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.opts.ListenAddress)
	if err != nil {
		return fmt.Errorf("HTTP proxy failed to listen on %s: %w", p.opts.ListenAddress, err)
	}
	log.Info().Str("proxy_name", p.name).Str("address", ln.Addr().String()).Bool("tls", p.opts.TLS != nil).Msg("Starting HTTP proxy")
	return p.Serve(ctx, ln)
}

// Serve accepts connections on ln, one goroutine per client, until ctx is
// done. On shutdown it closes ln, ends open sessions and waits for them.
func (p *HTTPProxy) Serve(ctx context.Context, ln net.Listener) error {
	l := NewListener(ln, p.opts.TLS, p.opts.HandshakeTimeout)
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				p.sessions.Wait()
				log.Info().Str("proxy_name", p.name).Msg("HTTP proxy stopped")
				return nil
			}
			return fmt.Errorf("HTTP proxy accept: %w", err)
		}
		p.sessions.Add(1)
		go func() {
			defer p.sessions.Done()
			p.serveConn(ctx, conn)
		}()
	}
}
