package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// newForwardTransport returns the round tripper a session uses for forwarded
// requests. Upstream connections go through the Connector and are pooled for
// the lifetime of one client connection only.
func newForwardTransport(c *Connector) *http.Transport {
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           c.DialContext,
		DisableCompression:    true,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// proxyHeaders are consumed by the proxy and never forwarded.
var proxyHeaders = []string{"Proxy-Authorization", "Proxy-Connection", httpTokenHeader, httpsTokenHeader}

// exchange sends one forward request upstream and streams the response to w.
// It reports whether the client connection may carry another request.
func exchange(ctx context.Context, rt http.RoundTripper, r *ForwardRequest, w io.Writer, out *Outcome) (bool, error) {
	req := r.HTTP.WithContext(ctx)
	req.RequestURI = ""
	for _, h := range proxyHeaders {
		req.Header.Del(h)
	}
	// An empty value keeps the transport from adding its own User-Agent.
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header["User-Agent"] = []string{""}
	}
	var body *countingReader
	if req.Body != nil && req.Body != http.NoBody {
		body = &countingReader{ReadCloser: req.Body}
		req.Body = body
	}

	resp, err := rt.RoundTrip(req)
	if body != nil {
		out.BytesUp = body.n.Load()
	}
	if err != nil {
		if !errors.Is(err, ErrUpstreamUnreachable) {
			err = &SessionError{Kind: ErrUpstreamUnreachable, Timeout: isTimeout(err), Err: err}
		}
		return false, err
	}
	defer resp.Body.Close()

	keep := !req.Close && !resp.Close
	resp.Close = !keep
	out.Status = resp.StatusCode

	cw := &countingWriter{w: w}
	err = resp.Write(cw)
	out.BytesDown = cw.n
	if body != nil {
		out.BytesUp = body.n.Load()
	}
	if err != nil {
		return false, newSessionError(ErrIO, err)
	}
	return keep, nil
}

// countingReader is read by the transport's writer goroutine while the
// session reads n.
type countingReader struct {
	io.ReadCloser
	n atomic.Int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.n.Add(int64(n))
	return n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.n += int64(n)
	return n, err
}
