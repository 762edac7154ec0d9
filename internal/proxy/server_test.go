package proxy

import (
	"bufio"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"forward-proxy/internal/auth"
	"forward-proxy/internal/policy"
	"forward-proxy/internal/tlsctx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (s *recordingSink) Record(o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
}

func (s *recordingSink) all() []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Outcome(nil), s.outcomes...)
}

func testGate(t *testing.T, creds []auth.Credential, rules []policy.Rule, def policy.Action) *Gate {
	t.Helper()
	store, err := auth.NewStore(creds)
	require.NoError(t, err)
	rs, err := policy.NewRuleSet(rules, def)
	require.NoError(t, err)
	return &Gate{Credentials: store, Rules: rs}
}

// defaultGate requires alice/secret and denies *.blocked.test.
func defaultGate(t *testing.T) *Gate {
	return testGate(t,
		[]auth.Credential{{Identity: "alice", Secret: "secret"}},
		[]policy.Rule{{Name: "blocked", Pattern: "*.blocked.test", Action: policy.Deny}},
		policy.Allow)
}

func startProxy(t *testing.T, gate *Gate, opts Options) (string, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	if opts.Sink == nil {
		opts.Sink = sink
	}
	if opts.Realm == "" {
		opts.Realm = "test"
	}
	if opts.Connector == nil {
		opts.Connector = NewConnector(ConnectorOptions{Timeout: 2 * time.Second})
	}
	p := NewHTTPProxy("test", NewGuard(gate), opts)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("proxy did not shut down")
		}
	})
	return ln.Addr().String(), sink
}

// startEcho runs an upstream that echoes bytes and half-closes on EOF.
func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
				c.(*net.TCPConn).CloseWrite()
			}()
		}
	}()
	return ln.Addr().String()
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func dialProxy(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn
}

// roundTrip writes raw and reads one response.
func roundTrip(t *testing.T, conn net.Conn, raw string) (*http.Response, *bufio.Reader) {
	t.Helper()
	_, err := io.WriteString(conn, raw)
	require.NoError(t, err)
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	return resp, br
}

func requireClosed(t *testing.T, br *bufio.Reader) {
	t.Helper()
	_, err := br.ReadByte()
	require.ErrorIs(t, err, io.EOF)
}

func connectHead(target, authz string) string {
	head := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if authz != "" {
		head += "Proxy-Authorization: " + authz + "\r\n"
	}
	return head + "\r\n"
}

// openTunnel sends a CONNECT and consumes the 200 reply head.
func openTunnel(t *testing.T, conn net.Conn, target, authz, early string) *bufio.Reader {
	t.Helper()
	_, err := io.WriteString(conn, connectHead(target, authz)+early)
	require.NoError(t, err)
	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.1 200 Connection Established\r\n", status)
	blank, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "\r\n", blank)
	return br
}

func TestMalformedRequestGets400(t *testing.T) {
	addr, sink := startProxy(t, defaultGate(t), Options{})
	for _, raw := range []string{" / HTTP/1.1\r\n\r\n", "GARBAGE\r\n\r\n", "CONNECT nowhere HTTP/1.1\r\n\r\n"} {
		conn := dialProxy(t, addr)
		resp, br := roundTrip(t, conn, raw)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, raw)
		resp.Body.Close()
		requireClosed(t, br)
	}
	require.Eventually(t, func() bool { return len(sink.all()) == 3 }, 5*time.Second, 10*time.Millisecond)
	for _, o := range sink.all() {
		require.ErrorIs(t, o.Err, ErrBadRequest)
		require.False(t, o.Allowed)
	}
}

func TestMissingOrInvalidCredentialsGet407(t *testing.T) {
	echo := startEcho(t)
	addr, _ := startProxy(t, defaultGate(t), Options{Realm: "corp"})

	for _, authz := range []string{"", basicAuth("alice", "wrong"), basicAuth("mallory", "secret"), "Bearer token"} {
		conn := dialProxy(t, addr)
		resp, br := roundTrip(t, conn, connectHead(echo, authz))
		require.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode)
		require.Equal(t, `Basic realm="corp"`, resp.Header.Get("Proxy-Authenticate"))
		resp.Body.Close()
		requireClosed(t, br)
	}
}

func TestDeniedTargetGets403WithoutDialing(t *testing.T) {
	connector := NewConnector(ConnectorOptions{Timeout: time.Second, Resolver: blockingResolver{}})
	addr, sink := startProxy(t, defaultGate(t), Options{Connector: connector})

	conn := dialProxy(t, addr)
	start := time.Now()
	resp, br := roundTrip(t, conn, connectHead("db.blocked.test:443", basicAuth("alice", "secret")))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Less(t, time.Since(start), time.Second)
	resp.Body.Close()
	requireClosed(t, br)

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, 5*time.Second, 10*time.Millisecond)
	o := sink.all()[0]
	require.Equal(t, "blocked", o.Rule)
	require.Equal(t, "alice", o.Identity)
	require.Equal(t, ModeTunnel, o.Mode)
	require.Equal(t, http.StatusForbidden, o.Status)
}

func TestTunnelRelaysBytes(t *testing.T) {
	echo := startEcho(t)
	addr, sink := startProxy(t, defaultGate(t), Options{})

	conn := dialProxy(t, addr)
	br := openTunnel(t, conn, echo, basicAuth("alice", "secret"), "sent-with-head|")
	_, err := io.WriteString(conn, "after-200")
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	got, err := io.ReadAll(br)
	require.NoError(t, err)
	require.Equal(t, "sent-with-head|after-200", string(got))

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, 5*time.Second, 10*time.Millisecond)
	o := sink.all()[0]
	require.NoError(t, o.Err)
	require.Equal(t, http.StatusOK, o.Status)
	require.True(t, o.Allowed)
	require.Equal(t, policy.DefaultRuleName, o.Rule)
	require.EqualValues(t, len("sent-with-head|after-200"), o.BytesUp)
	require.EqualValues(t, len("sent-with-head|after-200"), o.BytesDown)
}

func TestUnreachableUpstreamGets502(t *testing.T) {
	addr, _ := startProxy(t, defaultGate(t), Options{})
	conn := dialProxy(t, addr)
	target := fmt.Sprintf("127.0.0.1:%d", closedPort(t))
	resp, br := roundTrip(t, conn, connectHead(target, basicAuth("alice", "secret")))
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	resp.Body.Close()
	requireClosed(t, br)
}

func TestUpstreamTimeoutGets504(t *testing.T) {
	connector := NewConnector(ConnectorOptions{Timeout: 50 * time.Millisecond, Resolver: blockingResolver{}})
	addr, _ := startProxy(t, defaultGate(t), Options{Connector: connector})
	conn := dialProxy(t, addr)
	resp, _ := roundTrip(t, conn, connectHead("slow.test:443", basicAuth("alice", "secret")))
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	resp.Body.Close()
}

func TestConcurrentSessionsAreIndependent(t *testing.T) {
	echo := startEcho(t)
	addr, _ := startProxy(t, defaultGate(t), Options{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", addr)
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(10 * time.Second))
			io.WriteString(conn, connectHead(echo, basicAuth("alice", "secret")))
			br := bufio.NewReader(conn)
			status, err := br.ReadString('\n')
			assert.NoError(t, err)
			assert.Equal(t, "HTTP/1.1 200 Connection Established\r\n", status)
		}()
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", addr)
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(10 * time.Second))
			io.WriteString(conn, connectHead(echo, basicAuth("alice", "nope")))
			resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
			if assert.NoError(t, err) {
				assert.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode)
			}
		}()
	}
	wg.Wait()
}

func TestForwardRequest(t *testing.T) {
	var mu sync.Mutex
	var seen []http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Clone())
		mu.Unlock()
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprintf(w, "hello from %s", r.URL.Path)
	}))
	t.Cleanup(upstream.Close)

	addr, sink := startProxy(t, defaultGate(t), Options{})
	proxyURL := &url.URL{Scheme: "http", User: url.UserPassword("alice", "secret"), Host: addr}
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}, Timeout: 10 * time.Second}
	t.Cleanup(client.CloseIdleConnections)

	for _, path := range []string{"/one", "/two"} {
		resp, err := client.Get(upstream.URL + path)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		require.Equal(t, http.StatusTeapot, resp.StatusCode)
		require.Equal(t, "yes", resp.Header.Get("X-Upstream"))
		require.Equal(t, "hello from "+path, string(body))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	for _, h := range seen {
		require.Empty(t, h.Get("Proxy-Authorization"))
		require.Empty(t, h.Get("Proxy-Connection"))
	}

	require.Eventually(t, func() bool { return len(sink.all()) == 2 }, 5*time.Second, 10*time.Millisecond)
	outcomes := sink.all()
	require.Equal(t, outcomes[0].SessionID, outcomes[1].SessionID, "requests should share a kept connection")
	for _, o := range outcomes {
		require.Equal(t, ModeForward, o.Mode)
		require.Equal(t, http.StatusTeapot, o.Status)
		require.Positive(t, o.BytesDown)
	}
}

func TestForwardRequestCloseEndsSession(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "bye")
	}))
	t.Cleanup(upstream.Close)
	addr, _ := startProxy(t, defaultGate(t), Options{})

	conn := dialProxy(t, addr)
	raw := fmt.Sprintf("GET %s/ HTTP/1.1\r\nHost: %s\r\nConnection: close\r\nProxy-Authorization: %s\r\n\r\n",
		upstream.URL, strings.TrimPrefix(upstream.URL, "http://"), basicAuth("alice", "secret"))
	resp, br := roundTrip(t, conn, raw)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "bye", string(body))
	require.True(t, resp.Close)
	requireClosed(t, br)
}

func TestForwardDeniedAndUnauthenticated(t *testing.T) {
	addr, _ := startProxy(t, defaultGate(t), Options{})

	conn := dialProxy(t, addr)
	resp, _ := roundTrip(t, conn, "GET http://www.blocked.test/ HTTP/1.1\r\nHost: www.blocked.test\r\nProxy-Authorization: "+basicAuth("alice", "secret")+"\r\n\r\n")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn = dialProxy(t, addr)
	resp, _ = roundTrip(t, conn, "GET http://www.blocked.test/ HTTP/1.1\r\nHost: www.blocked.test\r\n\r\n")
	require.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode, "authentication is checked before access rules")
}

func TestAuthDisabledAllowsAnonymous(t *testing.T) {
	echo := startEcho(t)
	addr, sink := startProxy(t, testGate(t, nil, nil, policy.Allow), Options{})
	conn := dialProxy(t, addr)
	openTunnel(t, conn, echo, "", "")
	conn.Close()
	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Empty(t, sink.all()[0].Identity)
}

func TestGuardSwapAppliesToNewSessions(t *testing.T) {
	echo := startEcho(t)
	guard := NewGuard(defaultGate(t))
	p := NewHTTPProxy("swap", guard, Options{Sink: &recordingSink{}})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Serve(ctx, ln)

	old := dialProxy(t, ln.Addr().String())
	openTunnel(t, old, echo, basicAuth("alice", "secret"), "")

	guard.Swap(testGate(t, []auth.Credential{{Identity: "bob", Secret: "hunter2"}}, nil, policy.Allow))

	conn := dialProxy(t, ln.Addr().String())
	resp, _ := roundTrip(t, conn, connectHead(echo, basicAuth("alice", "secret")))
	require.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode)

	conn = dialProxy(t, ln.Addr().String())
	openTunnel(t, conn, echo, basicAuth("bob", "hunter2"), "")

	// The tunnel opened before the swap keeps working.
	_, err = io.WriteString(old, "still here")
	require.NoError(t, err)
	buf := make([]byte, len("still here"))
	_, err = io.ReadFull(old, buf)
	require.NoError(t, err)
	require.Equal(t, "still here", string(buf))
}

func TestTLSListener(t *testing.T) {
	certPEM, keyPEM, err := tlsctx.GenerateSelfSigned([]string{"localhost"})
	require.NoError(t, err)
	tc, err := tlsctx.New(certPEM, keyPEM)
	require.NoError(t, err)

	echo := startEcho(t)
	addr, _ := startProxy(t, defaultGate(t), Options{TLS: tc, HandshakeTimeout: time.Second})

	// A client that never completes a handshake must not block others.
	stalled := dialProxy(t, addr)
	io.WriteString(stalled, "not tls at all\r\n\r\n")

	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true, ServerName: "localhost"})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	br := openTunnel(t, conn, echo, basicAuth("alice", "secret"), "")
	_, err = io.WriteString(conn, "over tls")
	require.NoError(t, err)
	require.NoError(t, conn.CloseWrite())
	got, err := io.ReadAll(br)
	require.NoError(t, err)
	require.Equal(t, "over tls", string(got))
}

func TestOversizedHeadGets431(t *testing.T) {
	addr, sink := startProxy(t, defaultGate(t), Options{MaxHeaderBytes: 64 << 10})
	conn := dialProxy(t, addr)

	go func() {
		io.WriteString(conn, "GET http://example.test/ HTTP/1.1\r\nHost: example.test\r\nX-Big: ")
		chunk := strings.Repeat("a", 64<<10)
		for i := 0; i < 32; i++ {
			if _, err := io.WriteString(conn, chunk); err != nil {
				return
			}
		}
	}()

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusRequestHeaderFieldsTooLarge, resp.StatusCode)
	require.True(t, resp.Close)
	resp.Body.Close()

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, 5*time.Second, 10*time.Millisecond)
	o := sink.all()[0]
	require.ErrorIs(t, o.Err, ErrHeaderTooLarge)
	require.ErrorIs(t, o.Err, ErrBadRequest)
	require.Equal(t, ModeUnknown, o.Mode)
}

func TestLimitDoesNotApplyToTunnel(t *testing.T) {
	echo := startEcho(t)
	addr, _ := startProxy(t, defaultGate(t), Options{MaxHeaderBytes: 1024})

	conn := dialProxy(t, addr)
	br := openTunnel(t, conn, echo, basicAuth("alice", "secret"), "")
	payload := strings.Repeat("x", 256<<10)
	go func() {
		io.WriteString(conn, payload)
		conn.(*net.TCPConn).CloseWrite()
	}()
	got, err := io.ReadAll(br)
	require.NoError(t, err)
	require.Equal(t, len(payload), len(got))
}

func TestIdleClientIsDisconnected(t *testing.T) {
	addr, sink := startProxy(t, defaultGate(t), Options{HeaderTimeout: 100 * time.Millisecond})

	for _, partial := range []string{"", "GET http://example.test/ HTTP/1.1\r\n"} {
		conn := dialProxy(t, addr)
		io.WriteString(conn, partial)
		start := time.Now()
		_, err := bufio.NewReader(conn).ReadByte()
		require.ErrorIs(t, err, io.EOF, "no response is written on a header timeout")
		require.Less(t, time.Since(start), 5*time.Second)
	}

	require.Eventually(t, func() bool { return len(sink.all()) == 2 }, 5*time.Second, 10*time.Millisecond)
	for _, o := range sink.all() {
		require.ErrorIs(t, o.Err, ErrIO)
		require.Zero(t, o.Status)
	}
}

func TestSecretTokenRequired(t *testing.T) {
	echo := startEcho(t)
	seen := make(chan http.Header, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
		io.WriteString(w, "ok")
	}))
	t.Cleanup(upstream.Close)

	gate := defaultGate(t)
	gate.Token = auth.NewSecretToken("s3cret")
	addr, sink := startProxy(t, gate, Options{})
	sum := sha256.Sum256([]byte("s3cret"))
	digest := hex.EncodeToString(sum[:])
	authz := basicAuth("alice", "secret")

	conn := dialProxy(t, addr)
	resp, br := roundTrip(t, conn, connectHead(echo, authz))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
	requireClosed(t, br)
	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, sink.all()[0].Err, auth.ErrMissingToken)

	conn = dialProxy(t, addr)
	resp, _ = roundTrip(t, conn, fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\nX-Https-Secret-Token: %s\r\n\r\n", echo, echo, strings.Repeat("0", 64)))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "the token is checked before credentials")
	resp.Body.Close()
	require.Eventually(t, func() bool { return len(sink.all()) == 2 }, 5*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, sink.all()[1].Err, auth.ErrInvalidToken)

	conn = dialProxy(t, addr)
	raw := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\nProxy-Authorization: %s\r\nX-Https-Secret-Token: %s\r\n\r\n", echo, echo, authz, digest)
	_, err := io.WriteString(conn, raw)
	require.NoError(t, err)
	status, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.1 200 Connection Established\r\n", status)
	conn.Close()

	conn = dialProxy(t, addr)
	host := strings.TrimPrefix(upstream.URL, "http://")
	raw = fmt.Sprintf("GET %s/ HTTP/1.1\r\nHost: %s\r\nProxy-Authorization: %s\r\nX-Http-Secret-Token: %s\r\nConnection: close\r\n\r\n", upstream.URL, host, authz, digest)
	resp, _ = roundTrip(t, conn, raw)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	h := <-seen
	require.Empty(t, h.Get("X-Http-Secret-Token"))
}

func TestForwardKeepsClientHeaders(t *testing.T) {
	seen := make(chan http.Header, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
		io.WriteString(w, "ok")
	}))
	t.Cleanup(upstream.Close)
	addr, _ := startProxy(t, defaultGate(t), Options{})

	conn := dialProxy(t, addr)
	raw := fmt.Sprintf("GET %s/ HTTP/1.1\r\nHost: %s\r\nX-Custom: kept\r\nProxy-Authorization: %s\r\nProxy-Connection: keep-alive\r\nConnection: close\r\n\r\n",
		upstream.URL, strings.TrimPrefix(upstream.URL, "http://"), basicAuth("alice", "secret"))
	resp, _ := roundTrip(t, conn, raw)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	h := <-seen
	require.Equal(t, "kept", h.Get("X-Custom"))
	_, hasUA := h["User-Agent"]
	require.False(t, hasUA, "the proxy must not add a User-Agent: %v", h["User-Agent"])
	require.Empty(t, h.Get("Proxy-Authorization"))
	require.Empty(t, h.Get("Proxy-Connection"))
}
