package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"

	"golang.org/x/sync/errgroup"
)

// RelayCounters holds the bytes moved in each direction of a tunnel.
type RelayCounters struct {
	// Up counts client to upstream bytes.
	Up int64
	// Down counts upstream to client bytes.
	Down int64
}

type closeWriter interface {
	CloseWrite() error
}

// Relay copies bytes between client and upstream until both directions have
// finished. End of stream on one side half-closes the other side's write
// half. An I/O error or ctx cancellation closes both streams. Both streams
// are closed when Relay returns.
func Relay(ctx context.Context, client, upstream net.Conn) (RelayCounters, error) {
	var counters RelayCounters
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		client.Close()
		upstream.Close()
	})
	defer stop()

	g.Go(func() error {
		n, err := pipe(upstream, client)
		counters.Up = n
		return err
	})
	g.Go(func() error {
		n, err := pipe(client, upstream)
		counters.Down = n
		return err
	})
	err := g.Wait()
	client.Close()
	upstream.Close()
	if err == nil && ctx.Err() != nil {
		err = newSessionError(ErrIO, ctx.Err())
	}
	return counters, err
}

// pipe copies src to dst, then closes dst's write half.
func pipe(dst, src net.Conn) (int64, error) {
	n, err := io.Copy(dst, src)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return n, nil
		}
		return n, newSessionError(ErrIO, err)
	}
	if err := closeWrite(dst); err != nil && !errors.Is(err, net.ErrClosed) {
		return n, newSessionError(ErrIO, err)
	}
	return n, nil
}

// closeWrite shuts down the write half of c, or closes c entirely when it
// has no write half of its own.
func closeWrite(c net.Conn) error {
	if cw, ok := c.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return c.Close()
}

// bufferedConn reads through r so bytes buffered while parsing the request
// head are not lost once the connection turns into a tunnel.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *bufferedConn) CloseWrite() error { return closeWrite(c.Conn) }
