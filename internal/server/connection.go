package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/wireserv/internal/protocol/frame"
)

// connection owns one accepted socket: a strictly sequential read loop and
// a response pipeline that preserves request order across out-of-order
// handler completion.
type connection struct {
	id   uint64
	srv  *Server
	conn net.Conn

	reader *bufio.Reader
	writer *bufio.Writer

	// tail is closed once every response scheduled so far has been written
	// (or skipped on handler failure). Only the read loop replaces it.
	tail chan struct{}

	log zerolog.Logger
}

func newConnection(srv *Server, nc net.Conn) *connection {
	closed := make(chan struct{})
	close(closed)
	return &connection{
		srv:    srv,
		conn:   nc,
		reader: bufio.NewReader(nc),
		writer: bufio.NewWriter(nc),
		tail:   closed,
		log:    log.With().Str("remote", nc.RemoteAddr().String()).Logger(),
	}
}

// run is the connection process loop. It frames requests one at a time and
// hands each to the dispatch boundary without waiting for completion.
func (c *connection) run(ctx context.Context) {
	defer c.teardown()
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.processRequest(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				c.log.Debug().Msg("peer closed connection")
			} else {
				c.log.Debug().Err(err).Msg("connection error")
			}
			return
		}
	}
}

// processRequest frames and admits exactly one request:
// size prefix, memory reservation, header, throttle, body, dispatch.
// Any returned error is fatal to the connection.
func (c *connection) processRequest(ctx context.Context) error {
	size, err := frame.ReadSize(c.reader)
	if err != nil {
		return err
	}

	estimate := frame.MemoryEstimate(size)
	if estimate >= c.srv.cfg.MaxRequestSize {
		return fmt.Errorf("%w: size %d estimate %d allowed %d",
			frame.ErrRequestTooLarge, size, estimate, c.srv.cfg.MaxRequestSize)
	}

	// Primary backpressure point: saturating the limiter suspends this
	// connection's read loop only.
	res, err := c.srv.limiter.Acquire(ctx, estimate)
	if err != nil {
		return err
	}

	header, consumed, err := frame.ReadHeader(c.reader)
	if err != nil {
		res.Release()
		return err
	}

	throttle := c.srv.quota.RecordAndThrottle(header.ClientID, int(size))
	if !throttle.FirstViolation && throttle.Delay > 0 {
		if err := sleepCtx(ctx, throttle.Delay); err != nil {
			res.Release()
			return err
		}
	}

	body, err := frame.ReadBody(c.reader, size, consumed)
	if err != nil {
		res.Release()
		return err
	}

	req := &Request{
		Header:        header,
		Body:          body,
		ThrottleDelay: throttle.Delay,
		RemoteAddr:    c.conn.RemoteAddr().String(),
	}
	c.srv.probe.ServingRequest()
	c.dispatch(ctx, req, res)
	return nil
}

// dispatch hands the request to the handler and chains its eventual write
// after everything already scheduled, so response order always matches
// request order. The reservation is released when the handler resolves,
// not when the write finishes. A handler failure is swallowed after
// accounting; the chain is never broken by one failed request.
func (c *connection) dispatch(ctx context.Context, req *Request, res *Reservation) {
	correlationID := req.Header.CorrelationID
	prior := c.tail
	done := make(chan struct{})
	c.tail = done

	go func() {
		defer close(done)
		resp, err := c.srv.handler.Handle(ctx, req)
		res.Release()
		<-prior
		if err != nil {
			c.srv.probe.RequestProcessingError()
			c.log.Debug().Err(err).Int32("correlation_id", correlationID).
				Msg("request processing failed")
			return
		}
		if err := c.writeResponse(correlationID, resp); err != nil {
			c.srv.probe.RequestProcessingError()
			c.log.Debug().Err(err).Int32("correlation_id", correlationID).
				Msg("response write failed")
			return
		}
		c.srv.probe.RequestServed()
	}()
}

// writeResponse is only ever reached by the head of the response chain, so
// writes to the shared buffered writer never interleave.
func (c *connection) writeResponse(correlationID int32, resp Response) error {
	if err := frame.WriteResponse(c.writer, correlationID, resp); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}
	c.srv.probe.AddBytesSent(frame.ResponseHeaderLen + len(resp))
	return nil
}

// teardown drains the response pipeline before closing: responses already
// scheduled are still delivered, since the peer may be waiting on them.
func (c *connection) teardown() {
	<-c.tail
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	_ = c.conn.Close()
	c.srv.conns.remove(c.id)
	c.srv.probe.ConnectionClosed()
	c.log.Debug().Msg("connection closed")
}

// shutdown force-closes the socket, unblocking any suspended read or write.
// The process loop then runs its normal teardown.
func (c *connection) shutdown() {
	_ = c.conn.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
