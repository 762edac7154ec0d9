package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"forward-proxy/internal/tlsctx"

	"github.com/rs/zerolog/log"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	minAcceptDelay          = 5 * time.Millisecond
	maxAcceptDelay          = time.Second
)

// Listener accepts client connections and, when a TLS context is set,
// completes the server handshake before returning them. Handshakes run
// concurrently so a slow or failing client never holds up the others.
type Listener struct {
	inner            net.Listener
	tls              *tlsctx.Context
	handshakeTimeout time.Duration

	startOnce sync.Once
	closeOnce sync.Once
	ready     chan net.Conn
	closed    chan struct{}
}

// NewListener wraps inner. tc may be nil for plain TCP.
func NewListener(inner net.Listener, tc *tlsctx.Context, handshakeTimeout time.Duration) *Listener {
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	return &Listener{
		inner:            inner,
		tls:              tc,
		handshakeTimeout: handshakeTimeout,
		ready:            make(chan net.Conn),
		closed:           make(chan struct{}),
	}
}

// Accept blocks until a client is connected (and, with TLS, negotiated).
// It only fails once the listener is closed.
func (l *Listener) Accept() (net.Conn, error) {
	if l.tls == nil {
		return l.acceptRaw()
	}
	l.startOnce.Do(func() { go l.acceptLoop() })
	select {
	case conn := <-l.ready:
		return conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

// Close stops accepting. Connections already returned are unaffected.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.inner.Close()
	})
	return err
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.inner.Addr() }

// acceptRaw treats every accept error other than a closed listener as
// transient and retries with exponential backoff.
func (l *Listener) acceptRaw() (net.Conn, error) {
	var delay time.Duration
	for {
		conn, err := l.inner.Accept()
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, err
		}
		if delay == 0 {
			delay = minAcceptDelay
		} else {
			delay *= 2
		}
		if delay > maxAcceptDelay {
			delay = maxAcceptDelay
		}
		log.Warn().Err(err).Dur("retry_in", delay).Msg("Accept failed, retrying")
		select {
		case <-time.After(delay):
		case <-l.closed:
			return nil, net.ErrClosed
		}
	}
}

func (l *Listener) acceptLoop() {
	for {
		raw, err := l.acceptRaw()
		if err != nil {
			l.Close()
			return
		}
		go l.handshake(raw)
	}
}

func (l *Listener) handshake(raw net.Conn) {
	conn := l.tls.Server(raw)
	ctx, cancel := context.WithTimeout(context.Background(), l.handshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(ctx); err != nil {
		log.Debug().Err(err).Str("client_ip", raw.RemoteAddr().String()).Msg("TLS handshake failed")
		raw.Close()
		return
	}
	select {
	case l.ready <- conn:
	case <-l.closed:
		conn.Close()
	}
}
