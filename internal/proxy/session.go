package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"forward-proxy/internal/policy"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	errorWriteTimeout = 5 * time.Second
	// lingerDelay keeps the socket open after an error reply to a request
	// whose head was not fully read, so the client gets the reply before a reset.
	lingerDelay = 500 * time.Millisecond
	// headerSlack covers what bufio reads past the head in one fill.
	headerSlack = 4096
)

// session services one client connection. It is owned by a single goroutine.
type session struct {
	id       string
	p        *HTTPProxy
	gate     *Gate
	conn     net.Conn
	lr       *io.LimitedReader
	br       *bufio.Reader
	clientIP net.IP
	tr       *http.Transport
}

func (p *HTTPProxy) serveConn(ctx context.Context, conn net.Conn) {
	p.active.Add(1)
	defer p.active.Add(-1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	lr := &io.LimitedReader{R: conn, N: math.MaxInt64}
	s := &session{
		id:   uuid.NewString(),
		p:    p,
		gate: p.guard.Load(),
		conn: conn,
		lr:   lr,
		br:   bufio.NewReader(lr),
	}
	if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		s.clientIP = net.ParseIP(host)
	}
	defer func() {
		if s.tr != nil {
			s.tr.CloseIdleConnections()
		}
	}()

	log.Debug().Str("proxy_name", p.name).Str("session_id", s.id).Str("client_ip", conn.RemoteAddr().String()).Msg("Session started")
	for s.serveRequest(ctx) {
	}
}

// readRequest reads the next head with the size limit in place and lifts the
// limit again for the body or tunnel that follows.
func (s *session) readRequest() (Request, error) {
	s.lr.N = int64(s.p.opts.MaxHeaderBytes) + headerSlack
	req, err := ReadRequest(s.br)
	if err != nil && s.lr.N <= 0 {
		err = newSessionError(ErrHeaderTooLarge, fmt.Errorf("more than %d bytes", s.p.opts.MaxHeaderBytes))
	}
	s.lr.N = math.MaxInt64
	return req, err
}

// serveRequest handles one request: parse, check the token, authenticate,
// authorize, then tunnel or forward. It reports whether the connection may
// carry another.
func (s *session) serveRequest(ctx context.Context) bool {
	out := &Outcome{
		Time:       time.Now(),
		SessionID:  s.id,
		Proxy:      s.p.name,
		ClientAddr: s.conn.RemoteAddr().String(),
		Mode:       ModeUnknown,
	}

	if s.p.opts.HeaderTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.p.opts.HeaderTimeout))
	}
	req, err := s.readRequest()
	if errors.Is(err, io.EOF) {
		return false
	}
	s.conn.SetReadDeadline(time.Time{})
	if err != nil {
		s.finish(out, err)
		if errors.Is(err, ErrBadRequest) {
			s.linger(ctx)
		}
		return false
	}

	target := req.Destination()
	out.Method = req.MethodName()
	out.Target = target.String()
	switch req.(type) {
	case *ConnectRequest:
		out.Mode = ModeTunnel
	case *ForwardRequest:
		out.Mode = ModeForward
	}

	if err := s.gate.Token.Check(req.SecretToken()); err != nil {
		s.finish(out, newSessionError(ErrBadRequest, err))
		return false
	}

	identity, err := s.gate.Credentials.Authenticate(req.ProxyAuthorization())
	out.Identity = identity
	if err != nil {
		s.finish(out, newSessionError(ErrAuthRequired, err))
		return false
	}

	decision := s.gate.Rules.Evaluate(policy.Target{Host: target.Host, Port: target.Port, ClientIP: s.clientIP})
	out.Allowed = decision.Allowed()
	out.Rule = decision.Rule
	if !decision.Allowed() {
		s.finish(out, newSessionError(ErrForbidden, fmt.Errorf("%s denied by rule %q", target, decision.Rule)))
		return false
	}

	switch r := req.(type) {
	case *ConnectRequest:
		s.finish(out, s.tunnel(ctx, r, out))
		return false
	case *ForwardRequest:
		keep, err := exchange(ctx, s.transport(), r, s.conn, out)
		s.finish(out, err)
		return keep && err == nil
	default:
		panic(fmt.Sprintf("proxy: unhandled request type %T", req))
	}
}

// tunnel connects upstream, acknowledges the CONNECT and relays until both
// directions are done.
func (s *session) tunnel(ctx context.Context, r *ConnectRequest, out *Outcome) error {
	upstream, err := s.p.connector.Connect(ctx, r.Target)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(s.conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		upstream.Close()
		return newSessionError(ErrIO, err)
	}
	out.Status = http.StatusOK
	log.Debug().Str("proxy_name", s.p.name).Str("session_id", s.id).Str("destination", r.Target.String()).Msg("Tunnel established")

	counters, err := Relay(ctx, &bufferedConn{Conn: s.conn, r: s.br}, upstream)
	out.BytesUp, out.BytesDown = counters.Up, counters.Down
	return err
}

func (s *session) transport() *http.Transport {
	if s.tr == nil {
		s.tr = newForwardTransport(s.p.connector)
	}
	return s.tr
}

// finish reports the error to the client when a response is still possible
// and records the outcome.
func (s *session) finish(out *Outcome, err error) {
	if err != nil {
		if status := StatusCode(err); status != 0 {
			out.Status = status
			if werr := s.writeError(status); werr != nil {
				log.Debug().Err(werr).Str("session_id", s.id).Msg("Failed to write error response")
			}
		}
	}
	out.Err = err
	out.Duration = time.Since(out.Time)
	s.p.sink.Record(*out)
}

// linger half-closes the connection and waits briefly before the caller
// closes it.
func (s *session) linger(ctx context.Context) {
	if err := closeWrite(s.conn); err != nil {
		return
	}
	t := time.NewTimer(lingerDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (s *session) writeError(status int) error {
	body := http.StatusText(status) + "\n"
	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Close:         true,
	}
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if status == http.StatusProxyAuthRequired {
		resp.Header.Set("Proxy-Authenticate", fmt.Sprintf("Basic realm=%q", s.p.opts.Realm))
	}
	s.conn.SetWriteDeadline(time.Now().Add(errorWriteTimeout))
	defer s.conn.SetWriteDeadline(time.Time{})
	return resp.Write(s.conn)
}
