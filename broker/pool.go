// Package broker keeps one pipelined connection per broker and traffic class,
// dialing on first use and again after a connection dies.
package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/hugolhafner/go-pubsub/logger"
	"github.com/hugolhafner/go-pubsub/otel"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

// seedBase numbers bootstrap brokers until metadata reveals their real ids.
const seedBase = math.MinInt32

var errUnknownBroker = errors.New("broker: unknown broker id")

// Broker is a cluster member as advertised in metadata.
type Broker struct {
	NodeID int32
	Host   string
	Port   int32
	Rack   *string
}

func (b Broker) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(int(b.Port)))
}

type connKey struct {
	id    int32
	class Class
}

func (k connKey) String() string {
	return strconv.Itoa(int(k.id)) + "/" + k.class.String()
}

type dialState struct {
	failures uint
	retryAt  time.Time
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Brokers      int
	Connections  int
	Outstanding  int64
	BytesWritten int64
	BytesRead    int64
}

type Pool struct {
	cfg    Config
	logger logger.Logger
	tel    *otel.Telemetry

	mu      sync.Mutex
	seeds   []string
	brokers map[int32]Broker
	conns   map[connKey]*Conn
	dials   map[int32]*dialState
	closed  bool

	// totals of connections already gone
	deadWritten int64
	deadRead    int64

	sf      singleflight.Group
	closeCh chan struct{}
}

// NewPool creates a pool that bootstraps from seeds ("host:port").
func NewPool(seeds []string, opts ...Option) (*Pool, error) {
	if len(seeds) == 0 {
		return nil, errors.New("broker: at least one seed broker is required")
	}
	for _, s := range seeds {
		if _, _, err := net.SplitHostPort(s); err != nil {
			return nil, fmt.Errorf("broker: invalid seed %q: %w", s, err)
		}
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Pool{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "broker-pool"),
		tel:     cfg.Telemetry,
		seeds:   append([]string(nil), seeds...),
		brokers: make(map[int32]Broker),
		conns:   make(map[connKey]*Conn),
		dials:   make(map[int32]*dialState),
		closeCh: make(chan struct{}),
	}, nil
}

func seedID(i int) int32 {
	return seedBase + int32(i)
}

func (p *Pool) addrFor(id int32) (string, bool) {
	if b, ok := p.brokers[id]; ok {
		return b.Addr(), true
	}
	if i := int(id - seedBase); id < 0 && i >= 0 && i < len(p.seeds) {
		return p.seeds[i], true
	}
	return "", false
}

// Get returns a live connection to the broker, dialing if needed. A broker
// that cannot be reached within the configured attempts yields a
// kafka.ConnectionError.
func (p *Pool) Get(ctx context.Context, id int32, class Class) (*Conn, error) {
	key := connKey{id: id, class: class}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, kafka.ErrClosed
	}
	if c := p.conns[key]; c != nil && c.Alive() {
		p.mu.Unlock()
		return c, nil
	}
	addr, ok := p.addrFor(id)
	p.mu.Unlock()
	if !ok {
		return nil, kafka.NewConnectionError(id, "", errUnknownBroker)
	}

	ch := p.sf.DoChan(
		key.String(), func() (any, error) {
			return p.connect(key, addr)
		},
	)
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Conn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) connect(key connKey, addr string) (*Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.DialAttempts; attempt++ {
		if err := p.waitBackoff(key.id); err != nil {
			return nil, err
		}

		c, err := p.dial(key, addr)
		if err == nil {
			return c, nil
		}
		lastErr = err
		p.logger.Warn("broker dial failed", "broker", key.id, "addr", addr, "attempt", attempt, "error", err)
	}
	return nil, kafka.NewConnectionError(key.id, addr, lastErr)
}

// waitBackoff sleeps until the broker's reconnect backoff elapsed.
func (p *Pool) waitBackoff(id int32) error {
	p.mu.Lock()
	ds := p.dials[id]
	var wait time.Duration
	if ds != nil {
		wait = time.Until(ds.retryAt)
	}
	p.mu.Unlock()
	if wait <= 0 {
		return nil
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-p.closeCh:
		return kafka.ErrClosed
	}
}

func (p *Pool) dial(key connKey, addr string) (*Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DialTimeout)
	defer cancel()

	nc, err := p.cfg.Dial(ctx, "tcp", addr)
	if err == nil {
		c := newConn(key.id, addr, key.class, nc, &p.cfg, p.logger)
		if err = c.handshake(ctx); err == nil {
			return p.register(key, c)
		}
		_ = nc.Close()
	}

	p.mu.Lock()
	ds := p.dials[key.id]
	if ds == nil {
		ds = &dialState{}
		p.dials[key.id] = ds
	}
	ds.failures++
	ds.retryAt = time.Now().Add(p.cfg.ReconnectBackoff.Next(ds.failures))
	p.mu.Unlock()
	return nil, err
}

func (p *Pool) register(key connKey, c *Conn) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		c.Close(kafka.ErrClosed)
		return nil, kafka.ErrClosed
	}
	delete(p.dials, key.id)
	p.conns[key] = c
	c.onDeath = p.forget
	p.mu.Unlock()

	c.start()
	p.tel.BrokerConnections.Add(context.Background(), 1)
	p.logger.Info("broker connected", "broker", key.id, "addr", c.addr, "class", key.class.String())
	return c, nil
}

func (p *Pool) forget(c *Conn) {
	p.mu.Lock()
	key := connKey{id: c.brokerID, class: c.class}
	if p.conns[key] == c {
		delete(p.conns, key)
	}
	p.deadWritten += c.bytesWritten.Load()
	p.deadRead += c.bytesRead.Load()
	closed := p.closed
	p.mu.Unlock()

	p.tel.BrokerConnections.Add(context.Background(), -1)
	if !closed {
		p.logger.Warn("broker connection lost", "broker", c.brokerID, "addr", c.addr, "class", c.class.String(), "error", c.deadErr)
	}
}

// Any returns a connection to some reachable broker, trying known brokers in
// random order before the seeds.
func (p *Pool) Any(ctx context.Context, class Class) (*Conn, error) {
	p.mu.Lock()
	ids := make([]int32, 0, len(p.brokers)+len(p.seeds))
	for id := range p.brokers {
		ids = append(ids, id)
	}
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	for i := range p.seeds {
		ids = append(ids, seedID(i))
	}
	for _, id := range ids {
		if c := p.conns[connKey{id: id, class: class}]; c != nil && c.Alive() {
			p.mu.Unlock()
			return c, nil
		}
	}
	p.mu.Unlock()

	var lastErr error
	for _, id := range ids {
		c, err := p.Get(ctx, id, class)
		if err == nil {
			return c, nil
		}
		if ctx.Err() != nil || errors.Is(err, kafka.ErrClosed) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// Request sends req to one broker and waits for the response.
func (p *Pool) Request(ctx context.Context, id int32, class Class, req kmsg.Request) (kmsg.Response, error) {
	c, err := p.Get(ctx, id, class)
	if err != nil {
		return nil, err
	}
	return p.observe(ctx, c, req)
}

// RequestAny sends req on ClassNormal to any reachable broker.
func (p *Pool) RequestAny(ctx context.Context, req kmsg.Request) (kmsg.Response, error) {
	c, err := p.Any(ctx, ClassNormal)
	if err != nil {
		return nil, err
	}
	return p.observe(ctx, c, req)
}

func (p *Pool) observe(ctx context.Context, c *Conn, req kmsg.Request) (kmsg.Response, error) {
	start := time.Now()
	resp, err := c.Request(ctx, req)
	attrs := metric.WithAttributes(
		otel.AttrAPI.String(kmsg.NameForKey(req.Key())),
		otel.AttrBroker.Int(int(c.brokerID)),
	)
	p.tel.RequestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil && ctx.Err() == nil {
		p.tel.Errors.Add(ctx, 1, metric.WithAttributes(otel.AttrComponent.String("broker")))
	}
	return resp, err
}

// UpdateBrokers replaces the known broker set with the one from a metadata
// response. Connections to brokers that left are closed.
func (p *Pool) UpdateBrokers(brokers []Broker) {
	if len(brokers) == 0 {
		return
	}

	next := make(map[int32]Broker, len(brokers))
	for _, b := range brokers {
		next[b.NodeID] = b
	}

	var stale []*Conn
	p.mu.Lock()
	for key, c := range p.conns {
		if key.id < 0 {
			continue
		}
		if b, ok := next[key.id]; !ok || b.Addr() != c.addr {
			stale = append(stale, c)
		}
	}
	p.brokers = next
	p.mu.Unlock()

	for _, c := range stale {
		c.Close(errors.New("broker: broker left the cluster or moved"))
	}
}

// AddBroker records a broker learned outside metadata, such as a group
// coordinator. Known brokers are left untouched.
func (p *Pool) AddBroker(b Broker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.brokers[b.NodeID]; !ok {
		p.brokers[b.NodeID] = b
	}
}

// Brokers returns the brokers learned from metadata.
func (p *Pool) Brokers() []Broker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Broker, 0, len(p.brokers))
	for _, b := range p.brokers {
		out = append(out, b)
	}
	return out
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Brokers:      len(p.brokers),
		Connections:  len(p.conns),
		BytesWritten: p.deadWritten,
		BytesRead:    p.deadRead,
	}
	for _, c := range p.conns {
		s.Outstanding += c.Outstanding()
		s.BytesWritten += c.bytesWritten.Load()
		s.BytesRead += c.bytesRead.Load()
	}
	return s
}

// Close closes every connection; outstanding requests fail with ErrConnectionLost wrapping ErrClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closeCh)
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		c.Close(kafka.ErrClosed)
	}
	return nil
}
