package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/wireserv/internal/protocol/frame"
	"github.com/danmuck/wireserv/internal/quota"
	"github.com/danmuck/wireserv/internal/testutil/testlog"
	"github.com/danmuck/wireserv/internal/testutil/tlstest"
)

func startServer(t *testing.T, cfg Config, h Handler, q quota.Limiter) (*Server, string) {
	t.Helper()
	s := New(cfg, h, q, nil)
	addr, err := s.Listen(ListenerConfig{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, addr.String()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendRequest(t *testing.T, w io.Writer, correlationID int32, body []byte) {
	t.Helper()
	h := frame.Header{
		APIKey: 1, APIVersion: 0, CorrelationID: correlationID,
		ClientID: "test-client", ClientIDPresent: true,
	}
	if err := frame.WriteRequest(w, h, body); err != nil {
		t.Fatalf("write request: %v", err)
	}
}

func echoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) (Response, error) {
		return Response(req.Body), nil
	})
}

// Responses must come back in request order even when the middle request is
// the slowest to process.
func TestResponsesOrderedWithSlowMiddleRequest(t *testing.T) {
	testlog.Start(t)
	h := HandlerFunc(func(ctx context.Context, req *Request) (Response, error) {
		if req.Header.CorrelationID == 2 {
			time.Sleep(120 * time.Millisecond)
		}
		return Response(fmt.Sprintf("resp-%d", req.Header.CorrelationID)), nil
	})
	_, addr := startServer(t, DefaultConfig(), h, nil)
	conn := dial(t, addr)

	for id := int32(1); id <= 3; id++ {
		sendRequest(t, conn, id, []byte("req"))
	}
	for want := int32(1); want <= 3; want++ {
		got, body, err := frame.ReadResponse(conn)
		if err != nil {
			t.Fatalf("read response %d: %v", want, err)
		}
		if got != want {
			t.Fatalf("response order violated: got correlation %d, want %d", got, want)
		}
		if string(body) != fmt.Sprintf("resp-%d", want) {
			t.Fatalf("response body mismatch: %q", body)
		}
	}
}

// Fully reversed completion order: request N finishes first, request 1 last.
func TestResponsesOrderedUnderReversedCompletion(t *testing.T) {
	testlog.Start(t)
	const n = 5
	h := HandlerFunc(func(ctx context.Context, req *Request) (Response, error) {
		delay := time.Duration(n-req.Header.CorrelationID) * 40 * time.Millisecond
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return Response("ok"), nil
	})
	_, addr := startServer(t, DefaultConfig(), h, nil)
	conn := dial(t, addr)

	for id := int32(1); id <= n; id++ {
		sendRequest(t, conn, id, nil)
	}
	for want := int32(1); want <= n; want++ {
		got, _, err := frame.ReadResponse(conn)
		if err != nil {
			t.Fatalf("read response %d: %v", want, err)
		}
		if got != want {
			t.Fatalf("response order violated: got correlation %d, want %d", got, want)
		}
	}
}

func TestNegativeSizeClosesConnectionWithoutResponse(t *testing.T) {
	testlog.Start(t)
	_, addr := startServer(t, DefaultConfig(), echoHandler(), nil)
	conn := dial(t, addr)

	var buf [4]byte
	negative := int32(-1)
	binary.BigEndian.PutUint32(buf[:], uint32(negative))
	if _, err := conn.Write(buf[:]); err != nil {
		t.Fatalf("write: %v", err)
	}

	received, _ := io.ReadAll(conn)
	if len(received) != 0 {
		t.Fatalf("expected no response bytes, got %d", len(received))
	}
}

func TestOversizedRequestClosesConnectionWithoutResponse(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.MaxRequestSize = 10_000
	_, addr := startServer(t, cfg, echoHandler(), nil)
	conn := dial(t, addr)

	// estimate = 2*size + 8000 >= 10000 for any size >= 1000
	sendRequest(t, conn, 1, make([]byte, 2000))

	received, _ := io.ReadAll(conn)
	if len(received) != 0 {
		t.Fatalf("expected no response bytes, got %d", len(received))
	}
}

// A framing violation must not drop responses already in flight: the peer
// may be waiting on them.
func TestInFlightResponsesDrainOnFramingViolation(t *testing.T) {
	testlog.Start(t)
	h := HandlerFunc(func(ctx context.Context, req *Request) (Response, error) {
		time.Sleep(80 * time.Millisecond)
		return Response("late"), nil
	})
	_, addr := startServer(t, DefaultConfig(), h, nil)
	conn := dial(t, addr)

	sendRequest(t, conn, 7, nil)
	var bad [4]byte
	badSize := int32(-1)
	binary.BigEndian.PutUint32(bad[:], uint32(badSize))
	if _, err := conn.Write(bad[:]); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, body, err := frame.ReadResponse(conn)
	if err != nil {
		t.Fatalf("in-flight response dropped: %v", err)
	}
	if got != 7 || string(body) != "late" {
		t.Fatalf("unexpected response: id=%d body=%q", got, body)
	}
	if _, _, err := frame.ReadResponse(conn); err == nil {
		t.Fatalf("expected connection close after violation")
	}
}

// A failed dispatch is accounted and skipped; later responses on the same
// connection are unaffected.
func TestHandlerFailureDoesNotStallLaterResponses(t *testing.T) {
	testlog.Start(t)
	h := HandlerFunc(func(ctx context.Context, req *Request) (Response, error) {
		if req.Header.CorrelationID == 1 {
			return nil, fmt.Errorf("boom")
		}
		return Response("ok"), nil
	})
	_, addr := startServer(t, DefaultConfig(), h, nil)
	conn := dial(t, addr)

	sendRequest(t, conn, 1, nil)
	sendRequest(t, conn, 2, nil)

	got, _, err := frame.ReadResponse(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if got != 2 {
		t.Fatalf("expected response for request 2, got %d", got)
	}
}

// Memory admission throttles the read loop: while one reservation holds the
// whole budget, the next request on the same connection is not even framed.
func TestBackpressureSuspendsReadLoop(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	// Leaves room for exactly one small request's estimate at a time.
	cfg.MaxRequestSize = 8101

	received := make(chan int32, 2)
	release := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, req *Request) (Response, error) {
		received <- req.Header.CorrelationID
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return Response("ok"), nil
	})
	_, addr := startServer(t, cfg, h, nil)
	conn := dial(t, addr)

	sendRequest(t, conn, 1, nil)
	sendRequest(t, conn, 2, nil)

	select {
	case id := <-received:
		if id != 1 {
			t.Fatalf("first dispatched request: %d", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("request 1 never dispatched")
	}
	select {
	case id := <-received:
		t.Fatalf("request %d dispatched while limiter saturated", id)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case id := <-received:
		if id != 2 {
			t.Fatalf("second dispatched request: %d", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("request 2 never dispatched after release")
	}
	for i := 0; i < 2; i++ {
		if _, _, err := frame.ReadResponse(conn); err != nil {
			t.Fatalf("read response %d: %v", i+1, err)
		}
	}
}

type scriptedQuota struct {
	mu     sync.Mutex
	script []quota.Throttle
}

func (q *scriptedQuota) RecordAndThrottle(clientID string, size int) quota.Throttle {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.script) == 0 {
		return quota.Throttle{}
	}
	th := q.script[0]
	q.script = q.script[1:]
	return th
}

// First violation passes through undelayed with the delay exposed to the
// handler; the next violating request is admitted only after its delay.
func TestThrottleFirstViolationRule(t *testing.T) {
	testlog.Start(t)
	type arrival struct {
		id    int32
		delay time.Duration
		at    time.Time
	}
	arrivals := make(chan arrival, 2)
	h := HandlerFunc(func(ctx context.Context, req *Request) (Response, error) {
		arrivals <- arrival{id: req.Header.CorrelationID, delay: req.ThrottleDelay, at: time.Now()}
		return Response("ok"), nil
	})
	q := &scriptedQuota{script: []quota.Throttle{
		{FirstViolation: true, Delay: 300 * time.Millisecond},
		{Delay: 100 * time.Millisecond},
	}}
	_, addr := startServer(t, DefaultConfig(), h, q)
	conn := dial(t, addr)

	start := time.Now()
	sendRequest(t, conn, 1, nil)
	sendRequest(t, conn, 2, nil)

	first := <-arrivals
	if first.id != 1 {
		t.Fatalf("first arrival id=%d", first.id)
	}
	if since := first.at.Sub(start); since >= 200*time.Millisecond {
		t.Fatalf("first violation was delayed: %v", since)
	}
	if first.delay != 300*time.Millisecond {
		t.Fatalf("throttle delay not exposed to handler: %v", first.delay)
	}

	second := <-arrivals
	if second.id != 2 {
		t.Fatalf("second arrival id=%d", second.id)
	}
	if gap := second.at.Sub(first.at); gap < 90*time.Millisecond {
		t.Fatalf("second violating request admitted too early: %v", gap)
	}
}

// Stop must not return while connections still have in-flight dispatches,
// and no client may ever observe a partial response frame.
func TestStopDrainsInFlightDispatches(t *testing.T) {
	testlog.Start(t)
	const clients = 5
	started := make(chan struct{}, clients)
	h := HandlerFunc(func(ctx context.Context, req *Request) (Response, error) {
		started <- struct{}{}
		select {
		case <-time.After(60 * time.Millisecond):
			return Response("ok"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	s, addr := startServer(t, DefaultConfig(), h, nil)

	conns := make([]net.Conn, clients)
	for i := range conns {
		conns[i] = dial(t, addr)
		sendRequest(t, conns[i], int32(i+1), nil)
	}
	for i := 0; i < clients; i++ {
		<-started
	}

	s.Stop()
	if got := s.ActiveConnections(); got != 0 {
		t.Fatalf("connections alive after Stop: %d", got)
	}

	const fullFrame = frame.ResponseHeaderLen + 2 // body "ok"
	for i, conn := range conns {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		received, _ := io.ReadAll(conn)
		if len(received) != 0 && len(received) != fullFrame {
			t.Fatalf("client %d observed partial frame: %d bytes", i, len(received))
		}
	}
}

func TestStopIsIdempotentAndBlocksAllCallers(t *testing.T) {
	testlog.Start(t)
	s, _ := startServer(t, DefaultConfig(), echoHandler(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop()
		}()
	}
	wg.Wait()
	s.Stop()
}

func TestTLSListenerRoundTrip(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "wireserv-test-ca")
	certFile, keyFile := ca.IssueServerCert(t, dir, "server", []net.IP{net.ParseIP("127.0.0.1")})

	s := New(DefaultConfig(), echoHandler(), nil, nil)
	addr, err := s.Listen(ListenerConfig{
		Addr: "127.0.0.1:0",
		TLS:  TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile},
	})
	if err != nil {
		t.Fatalf("tls listen: %v", err)
	}
	t.Cleanup(s.Stop)

	caPEM, err := os.ReadFile(ca.CAFile())
	if err != nil {
		t.Fatalf("read ca: %v", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		t.Fatalf("bad ca pem")
	}
	conn, err := tls.Dial("tcp", addr.String(), &tls.Config{RootCAs: pool})
	if err != nil {
		t.Fatalf("tls dial: %v", err)
	}
	defer conn.Close()

	sendRequest(t, conn, 9, []byte("secure"))
	got, body, err := frame.ReadResponse(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if got != 9 || string(body) != "secure" {
		t.Fatalf("unexpected response: id=%d body=%q", got, body)
	}
}
