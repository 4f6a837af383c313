package broker

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/hugolhafner/go-pubsub/logger"
	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// Class separates traffic to one broker onto independent sockets, so a
// request the broker holds open (a long-poll fetch, a JoinGroup) never
// delays the responses queued behind it on another class.
type Class int8

const (
	ClassNormal Class = iota
	ClassFetch
	ClassGroup
)

func (c Class) String() string {
	switch c {
	case ClassNormal:
		return "normal"
	case ClassFetch:
		return "fetch"
	case ClassGroup:
		return "group"
	default:
		return "unknown"
	}
}

var errCorrelationMismatch = errors.New("broker: response correlation id mismatch")

// Conn is one pipelined connection to a broker. Requests are written in Send
// order by a writer goroutine and responses are matched back in the same
// order by a reader goroutine.
type Conn struct {
	brokerID int32
	addr     string
	class    Class
	cfg      *Config
	logger   logger.Logger

	nc        net.Conn
	br        *bufio.Reader
	formatter *kmsg.RequestFormatter
	versions  map[int16]int16

	reqs     chan *Promise
	inflight chan *Promise
	corr     int32

	dieOnce sync.Once
	deadCh  chan struct{}
	deadErr error
	onDeath func(*Conn)

	bytesWritten atomic.Int64
	bytesRead    atomic.Int64
	outstanding  atomic.Int64
}

func newConn(brokerID int32, addr string, class Class, nc net.Conn, cfg *Config, l logger.Logger) *Conn {
	return &Conn{
		brokerID:  brokerID,
		addr:      addr,
		class:     class,
		cfg:       cfg,
		logger:    l,
		nc:        nc,
		br:        bufio.NewReader(nc),
		formatter: kmsg.NewRequestFormatter(kmsg.FormatterClientID(cfg.ClientID)),
		reqs:      make(chan *Promise, cfg.MaxInflight),
		inflight:  make(chan *Promise, cfg.MaxInflight),
		deadCh:    make(chan struct{}),
	}
}

func (c *Conn) BrokerID() int32 { return c.brokerID }

func (c *Conn) Addr() string { return c.addr }

// Alive reports whether the connection has not failed or been closed.
func (c *Conn) Alive() bool {
	select {
	case <-c.deadCh:
		return false
	default:
		return true
	}
}

// Dead is closed when the connection fails.
func (c *Conn) Dead() <-chan struct{} {
	return c.deadCh
}

// Err is the cause of death, nil while alive.
func (c *Conn) Err() error {
	if c.Alive() {
		return nil
	}
	return c.deadErr
}

// handshake negotiates API versions before the connection is shared.
func (c *Conn) handshake(ctx context.Context) error {
	req := kmsg.NewPtrApiVersionsRequest()
	req.Version = 0

	if dl, ok := ctx.Deadline(); ok {
		_ = c.nc.SetDeadline(dl)
		defer c.nc.SetDeadline(time.Time{})
	}

	c.corr++
	buf := c.formatter.AppendRequest(nil, req, c.corr)
	if _, err := c.nc.Write(buf); err != nil {
		return err
	}
	body, err := c.readFrame(c.corr)
	if err != nil {
		return err
	}

	resp := req.ResponseKind()
	resp.SetVersion(req.Version)
	if err := resp.ReadFrom(body); err != nil {
		return fmt.Errorf("broker: decode ApiVersions: %w", err)
	}
	av := resp.(*kmsg.ApiVersionsResponse)
	if err := kerr.ErrorForCode(av.ErrorCode); err != nil {
		return err
	}

	c.versions = make(map[int16]int16, len(av.ApiKeys))
	for _, k := range av.ApiKeys {
		c.versions[k.ApiKey] = k.MaxVersion
	}
	return nil
}

func (c *Conn) start() {
	go c.writeLoop()
	go c.readLoop()
}

// Send queues req and returns immediately with its promise. Extra time is
// granted on top of the request timeout for requests the broker may hold
// (fetch max wait, produce ack timeout, rebalance timeout).
func (c *Conn) Send(req kmsg.Request) *Promise {
	return c.SendWith(req, heldFor(req))
}

// SendWith is Send with an explicit extra wait.
func (c *Conn) SendWith(req kmsg.Request, extra time.Duration) *Promise {
	if err := pickVersion(req, c.versions); err != nil {
		return resolved(err)
	}

	p := newPromise(req)
	p.deadline = time.Now().Add(c.cfg.RequestTimeout + extra)

	select {
	case <-c.deadCh:
		p.resolve(nil, c.lostErr())
		return p
	case c.reqs <- p:
	}
	c.outstanding.Add(1)

	// A racing death may have drained the queue before p landed in it.
	if !c.Alive() {
		c.drain()
	}
	return p
}

// Request sends req and waits for its response.
func (c *Conn) Request(ctx context.Context, req kmsg.Request) (kmsg.Response, error) {
	return c.Send(req).Wait(ctx)
}

func (c *Conn) writeLoop() {
	defer c.drain()

	var buf []byte
	for {
		var p *Promise
		select {
		case <-c.deadCh:
			return
		case p = <-c.reqs:
		}

		c.corr++
		p.corr = c.corr
		buf = c.formatter.AppendRequest(buf[:0], p.req, p.corr)

		expectResponse := !isFireAndForget(p.req)
		if expectResponse {
			select {
			case <-c.deadCh:
				p.resolve(nil, c.lostErr())
				return
			case c.inflight <- p:
			}
		}

		p.sentAt = time.Now()
		_ = c.nc.SetWriteDeadline(p.sentAt.Add(c.cfg.RequestTimeout))
		n, err := c.nc.Write(buf)
		c.bytesWritten.Add(int64(n))
		if err != nil {
			c.die(fmt.Errorf("write %s: %w", kmsg.NameForKey(p.req.Key()), err))
			if !expectResponse {
				c.finish(p, nil, c.lostErr())
			}
			return
		}
		if !expectResponse {
			c.finish(p, nil, nil)
		}
	}
}

func (c *Conn) readLoop() {
	defer c.drain()

	for {
		var p *Promise
		select {
		case <-c.deadCh:
			return
		case p = <-c.inflight:
		}

		_ = c.nc.SetReadDeadline(p.deadline)
		body, err := c.readFrame(p.corr)
		if err != nil {
			c.die(fmt.Errorf("read %s: %w", kmsg.NameForKey(p.req.Key()), err))
			c.finish(p, nil, c.lostErr())
			return
		}

		if p.req.IsFlexible() && p.req.Key() != keyApiVersions {
			b := kbin.Reader{Src: body}
			kmsg.SkipTags(&b)
			if !b.Ok() {
				c.finish(p, nil, errors.New("broker: truncated response header tags"))
				continue
			}
			body = b.Src
		}

		resp := p.req.ResponseKind()
		resp.SetVersion(p.req.GetVersion())
		if err := resp.ReadFrom(body); err != nil {
			c.finish(p, nil, fmt.Errorf("broker: decode %s v%d: %w", kmsg.NameForKey(p.req.Key()), p.req.GetVersion(), err))
			continue
		}
		c.finish(p, resp, nil)
	}
}

// readFrame reads one size-prefixed response and checks its correlation id.
func (c *Conn) readFrame(corr int32) ([]byte, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(c.br, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := int32(binary.BigEndian.Uint32(sizeBuf[:]))
	if size < 4 || size > c.cfg.MaxResponseBytes {
		return nil, fmt.Errorf("broker: invalid response size %d", size)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return nil, err
	}
	c.bytesRead.Add(int64(size) + 4)

	if got := int32(binary.BigEndian.Uint32(buf)); got != corr {
		return nil, fmt.Errorf("%w: got %d, want %d", errCorrelationMismatch, got, corr)
	}
	return buf[4:], nil
}

func (c *Conn) finish(p *Promise, resp kmsg.Response, err error) {
	c.outstanding.Add(-1)
	p.resolve(resp, err)
}

func (c *Conn) lostErr() error {
	return fmt.Errorf("%w: broker %d (%s): %w", kafka.ErrConnectionLost, c.brokerID, c.addr, c.deadErr)
}

func (c *Conn) die(err error) {
	c.dieOnce.Do(
		func() {
			c.deadErr = err
			close(c.deadCh)
			_ = c.nc.Close()
			if c.onDeath != nil {
				c.onDeath(c)
			}
		},
	)
	c.drain()
}

// drain fails every request still queued or awaiting a response. It is safe
// to call any number of times after death.
func (c *Conn) drain() {
	if c.Alive() {
		return
	}
	for {
		select {
		case p := <-c.inflight:
			c.finish(p, nil, c.lostErr())
		case p := <-c.reqs:
			c.finish(p, nil, c.lostErr())
		default:
			return
		}
	}
}

// Close fails outstanding requests with err and closes the socket.
func (c *Conn) Close(err error) {
	if err == nil {
		err = kafka.ErrClosed
	}
	c.die(err)
}

// Outstanding is the number of requests queued or awaiting a response.
func (c *Conn) Outstanding() int64 {
	return c.outstanding.Load()
}

func isFireAndForget(req kmsg.Request) bool {
	pr, ok := req.(*kmsg.ProduceRequest)
	return ok && pr.Acks == 0
}

// heldFor is how long a broker may legitimately hold req before answering.
func heldFor(req kmsg.Request) time.Duration {
	switch r := req.(type) {
	case *kmsg.FetchRequest:
		return time.Duration(r.MaxWaitMillis) * time.Millisecond
	case *kmsg.ProduceRequest:
		return time.Duration(r.TimeoutMillis) * time.Millisecond
	case *kmsg.JoinGroupRequest:
		return time.Duration(max(r.RebalanceTimeoutMillis, r.SessionTimeoutMillis)) * time.Millisecond
	default:
		return 0
	}
}
