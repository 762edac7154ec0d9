package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// Target is the upstream host and port named by a request.
type Target struct {
	Host string
	Port int
}

// Address returns host:port suitable for dialing.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string { return t.Address() }

// Request is the classified head of a client message. It is one of
// *ConnectRequest or *ForwardRequest; the unexported method keeps the set closed.
type Request interface {
	// Destination returns the upstream the request asks for.
	Destination() Target
	// ProxyAuthorization returns the raw Proxy-Authorization header value.
	ProxyAuthorization() string
	// MethodName returns the request method.
	MethodName() string
	// SecretToken returns the presented secret token digest, if any.
	SecretToken() string
	isRequest()
}

// ConnectRequest asks for an opaque tunnel to Target.
type ConnectRequest struct {
	Target Target
	Proto  string
	Header http.Header
}

// ForwardRequest is a plain HTTP request to be relayed to Target.
type ForwardRequest struct {
	Target Target
	HTTP   *http.Request
}

func (r *ConnectRequest) Destination() Target        { return r.Target }
func (r *ConnectRequest) ProxyAuthorization() string { return r.Header.Get("Proxy-Authorization") }
func (r *ConnectRequest) MethodName() string         { return http.MethodConnect }
func (r *ConnectRequest) SecretToken() string        { return secretToken(r.Header) }
func (*ConnectRequest) isRequest()                   {}

func (r *ForwardRequest) Destination() Target        { return r.Target }
func (r *ForwardRequest) ProxyAuthorization() string { return r.HTTP.Header.Get("Proxy-Authorization") }
func (r *ForwardRequest) MethodName() string         { return r.HTTP.Method }
func (r *ForwardRequest) SecretToken() string        { return secretToken(r.HTTP.Header) }
func (*ForwardRequest) isRequest()                   {}

// Secret token headers. Plain requests send the HTTP one and CONNECT the HTTPS
// one, but either is accepted.
const (
	httpTokenHeader  = "X-Http-Secret-Token"
	httpsTokenHeader = "X-Https-Secret-Token"
)

func secretToken(h http.Header) string {
	if v := h.Get(httpTokenHeader); v != "" {
		return v
	}
	return h.Get(httpsTokenHeader)
}

// ReadRequest reads one request head from br and classifies it. A clean close
// before any byte of a new request returns io.EOF. Malformed input returns an
// error matching ErrBadRequest.
func ReadRequest(br *bufio.Reader) (Request, error) {
	req, err := http.ReadRequest(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &SessionError{Kind: ErrIO, Timeout: true, Err: err}
		}
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, newSessionError(ErrIO, err)
		}
		return nil, newSessionError(ErrBadRequest, err)
	}

	if req.Method == http.MethodConnect {
		target, err := parseAuthority(req.URL.Host, "")
		if err != nil {
			return nil, newSessionError(ErrBadRequest, fmt.Errorf("CONNECT target: %w", err))
		}
		return &ConnectRequest{Target: target, Proto: req.Proto, Header: req.Header}, nil
	}

	if req.URL.IsAbs() {
		var defaultPort string
		switch strings.ToLower(req.URL.Scheme) {
		case "http":
			defaultPort = "80"
		case "https":
			defaultPort = "443"
		default:
			return nil, newSessionError(ErrBadRequest, fmt.Errorf("unsupported scheme %q", req.URL.Scheme))
		}
		target, err := parseAuthority(req.URL.Host, defaultPort)
		if err != nil {
			return nil, newSessionError(ErrBadRequest, fmt.Errorf("request target: %w", err))
		}
		return &ForwardRequest{Target: target, HTTP: req}, nil
	}

	if req.Host == "" || !strings.HasPrefix(req.RequestURI, "/") {
		return nil, newSessionError(ErrBadRequest, errors.New("request target is neither absolute nor Host-qualified"))
	}
	target, err := parseAuthority(req.Host, "80")
	if err != nil {
		return nil, newSessionError(ErrBadRequest, fmt.Errorf("host header: %w", err))
	}
	req.URL.Scheme = "http"
	req.URL.Host = req.Host
	return &ForwardRequest{Target: target, HTTP: req}, nil
}

// parseAuthority splits host[:port]. An empty defaultPort makes the port mandatory.
func parseAuthority(authority, defaultPort string) (Target, error) {
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		if defaultPort == "" {
			return Target{}, fmt.Errorf("authority %q is not a valid host:port", authority)
		}
		host, portStr = strings.TrimSuffix(strings.TrimPrefix(authority, "["), "]"), defaultPort
	}
	if portStr == "" {
		if defaultPort == "" {
			return Target{}, errors.New("port number must be specified")
		}
		portStr = defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Target{}, fmt.Errorf("invalid port %q", portStr)
	}
	if !validHost(host) {
		return Target{}, fmt.Errorf("invalid host %q", host)
	}
	return Target{Host: host, Port: port}, nil
}

func validHost(host string) bool {
	if host == "" || len(host) > 253 {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	for _, label := range strings.Split(strings.TrimSuffix(host, "."), ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, c := range label {
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			default:
				return false
			}
		}
	}
	return true
}
