// Package group runs the consumer group membership protocol against the
// group coordinator: join, sync, heartbeat and leave, plus offset commits.
package group

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hugolhafner/go-pubsub/broker"
	"github.com/hugolhafner/go-pubsub/internal/timer"
	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/hugolhafner/go-pubsub/logger"
	"github.com/hugolhafner/go-pubsub/metadata"
	"github.com/hugolhafner/go-pubsub/otel"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
	"go.opentelemetry.io/otel/metric"
)

const protocolType = "consumer"

var errNoProtocol = errors.New("group: coordinator chose no protocol")

// Handler receives assignment changes. Calls come from the coordinator
// goroutine one at a time; OnRevoked returns before the member rejoins.
type Handler interface {
	OnAssigned(ctx context.Context, partitions []kafka.TopicPartition)
	// OnRevoked is called with the member still in its generation, so offsets
	// can still be committed.
	OnRevoked(ctx context.Context, partitions []kafka.TopicPartition)
	// OnLost is called when the member was dropped from the group and its
	// partitions may already belong to someone else.
	OnLost(ctx context.Context, partitions []kafka.TopicPartition)
}

// Pool is the part of the connection pool the coordinator talks through.
type Pool interface {
	Request(ctx context.Context, id int32, class broker.Class, req kmsg.Request) (kmsg.Response, error)
	RequestAny(ctx context.Context, req kmsg.Request) (kmsg.Response, error)
	AddBroker(b broker.Broker)
}

// Metadata provides the partition counts the leader assigns from.
type Metadata interface {
	Resolve(ctx context.Context, topic string) (*metadata.Topic, error)
	Cached(topic string) (*metadata.Topic, bool)
	RefreshAsync(topic string)
}

var (
	_ Pool     = (*broker.Pool)(nil)
	_ Metadata = (*metadata.Cache)(nil)
)

type Coordinator struct {
	groupID string
	cfg     Config
	logger  logger.Logger
	tel     *otel.Telemetry

	pool    Pool
	meta    Metadata
	sched   *timer.Scheduler
	handler Handler

	mu          sync.Mutex
	state       State
	coordinator int32
	memberID    string
	generation  int32
	leader      bool
	topics      []string
	assigned    []kafka.TopicPartition
	// counts are the partition counts the last assignment was computed from, leader only.
	counts    map[string]int32
	lastBeat  time.Time
	lost      bool
	heartbeat *timer.Timer
	running   bool

	beating  atomic.Bool
	rejoinCh chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	doneCh   chan struct{}
}

func New(
	groupID string, pool Pool, meta Metadata, sched *timer.Scheduler, handler Handler, opts ...Option,
) (*Coordinator, error) {
	if groupID == "" {
		return nil, errors.New("group: group id is required")
	}
	if pool == nil || meta == nil || sched == nil || handler == nil {
		return nil, errors.New("group: pool, metadata, scheduler and handler are required")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= cfg.SessionTimeout {
		return nil, fmt.Errorf(
			"group: heartbeat interval %s must be positive and below the session timeout %s",
			cfg.HeartbeatInterval, cfg.SessionTimeout,
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		groupID:     groupID,
		cfg:         cfg,
		logger:      cfg.Logger.With("component", "group", "group", groupID),
		tel:         cfg.Telemetry,
		pool:        pool,
		meta:        meta,
		sched:       sched,
		handler:     handler,
		coordinator: -1,
		generation:  -1,
		rejoinCh:    make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
		doneCh:      make(chan struct{}),
	}, nil
}

func (c *Coordinator) GroupID() string {
	return c.groupID
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) MemberID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memberID
}

func (c *Coordinator) Generation() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader
}

// Assignment returns the partitions of the current generation.
func (c *Coordinator) Assignment() []kafka.TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.assigned)
}

// Subscribe sets the topics the member consumes. The first call starts the
// membership loop; later calls trigger a rebalance when the set changed.
func (c *Coordinator) Subscribe(topics []string) error {
	topics = normalizeTopics(topics)
	if len(topics) == 0 {
		return errors.New("group: no topics to subscribe to")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return kafka.ErrClosed
	}
	changed := !slices.Equal(c.topics, topics)
	c.topics = topics

	if !c.running {
		c.running = true
		go c.run()
		return nil
	}
	if changed {
		if c.state == StateStable {
			c.rejoinLocked(c.generation, "subscription changed", false)
		} else {
			// picked up once the join in progress completes
			select {
			case c.rejoinCh <- struct{}{}:
			default:
			}
		}
	}
	return nil
}

func normalizeTopics(topics []string) []string {
	out := slices.Clone(topics)
	sort.Strings(out)
	return slices.Compact(out)
}

func (c *Coordinator) run() {
	defer close(c.doneCh)

	var failures uint
	for {
		if c.ctx.Err() != nil {
			return
		}
		c.release()

		if err := c.joinAndSync(c.ctx); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			failures++
			c.logger.Warn("group join failed", "attempt", failures, "error", err)
			c.tel.Errors.Add(c.ctx, 1, metric.WithAttributes(otel.AttrComponent.String("group")))
			if !sleep(c.ctx, c.cfg.RetryBackoff.Next(failures)) {
				return
			}
			continue
		}
		failures = 0

		select {
		case <-c.ctx.Done():
			return
		case <-c.rejoinCh:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// release hands the current assignment back through the handler before a
// rejoin: revoked normally, lost after the session expired.
func (c *Coordinator) release() {
	c.mu.Lock()
	assigned, lost := c.assigned, c.lost
	c.assigned = nil
	c.lost = false
	c.stopHeartbeatLocked()
	c.mu.Unlock()

	if len(assigned) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RebalanceTimeout)
	defer cancel()
	if lost {
		c.logger.Warn("partitions lost", "partitions", assigned)
		c.handler.OnLost(ctx, assigned)
		return
	}
	c.logger.Info("partitions revoked", "partitions", assigned)
	c.handler.OnRevoked(ctx, assigned)
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// joinAndSync runs JoinGroup and SyncGroup until the member is stable in a
// generation. Protocol errors that only need another round are handled here.
func (c *Coordinator) joinAndSync(ctx context.Context) error {
	for {
		coord, err := c.ensureCoordinator(ctx)
		if err != nil {
			return err
		}
		c.setState(StateJoining)

		join, err := c.join(ctx, coord)
		if err != nil {
			if c.handleGroupError(err, "join") {
				continue
			}
			return err
		}

		c.setState(StateSyncing)
		assignment, counts, err := c.sync(ctx, coord, join)
		if err != nil {
			if c.handleGroupError(err, "sync") {
				continue
			}
			return err
		}

		c.stabilize(join, assignment, counts)
		return nil
	}
}

// handleGroupError adjusts member state for err and reports whether the
// join should be retried immediately.
func (c *Coordinator) handleGroupError(err error, op string) bool {
	var mr *memberIDRequired
	switch {
	case errors.As(err, &mr):
		c.mu.Lock()
		c.memberID = mr.memberID
		c.mu.Unlock()
		c.logger.Debug("group assigned member id", "member", mr.memberID)
		return true
	case errors.Is(err, kerr.UnknownMemberID), errors.Is(err, kerr.FencedInstanceID):
		c.mu.Lock()
		c.memberID = ""
		c.generation = -1
		c.mu.Unlock()
		c.logger.Info("group member id reset", "op", op, "error", err)
		return true
	case errors.Is(err, kerr.RebalanceInProgress), errors.Is(err, kerr.IllegalGeneration):
		c.logger.Debug("group rejoining", "op", op, "error", err)
		return true
	case isCoordinatorError(err):
		c.resetCoordinator()
		return false
	default:
		return false
	}
}

type memberIDRequired struct {
	memberID string
}

func (e *memberIDRequired) Error() string {
	return "group: member id required: " + e.memberID
}

func (e *memberIDRequired) Unwrap() error {
	return kerr.MemberIDRequired
}

func isCoordinatorError(err error) bool {
	return errors.Is(err, kerr.NotCoordinator) ||
		errors.Is(err, kerr.CoordinatorNotAvailable) ||
		errors.Is(err, kerr.CoordinatorLoadInProgress) ||
		errors.Is(err, kafka.ErrConnectionLost)
}

func (c *Coordinator) join(ctx context.Context, coord int32) (*kmsg.JoinGroupResponse, error) {
	c.mu.Lock()
	topics, memberID := c.topics, c.memberID
	c.mu.Unlock()

	meta := kmsg.NewConsumerMemberMetadata()
	meta.Version = 0
	meta.Topics = topics
	encoded := meta.AppendTo(nil)

	req := kmsg.NewPtrJoinGroupRequest()
	req.Group = c.groupID
	req.SessionTimeoutMillis = int32(c.cfg.SessionTimeout.Milliseconds())
	req.RebalanceTimeoutMillis = int32(c.cfg.RebalanceTimeout.Milliseconds())
	req.MemberID = memberID
	req.InstanceID = c.cfg.InstanceID
	req.ProtocolType = protocolType
	for _, b := range c.cfg.Balancers {
		p := kmsg.NewJoinGroupRequestProtocol()
		p.Name = b.Name()
		p.Metadata = encoded
		req.Protocols = append(req.Protocols, p)
	}

	resp, err := c.pool.Request(ctx, coord, broker.ClassGroup, req)
	if err != nil {
		return nil, err
	}
	jr := resp.(*kmsg.JoinGroupResponse)
	if err := kerr.ErrorForCode(jr.ErrorCode); err != nil {
		if errors.Is(err, kerr.MemberIDRequired) {
			return nil, &memberIDRequired{memberID: jr.MemberID}
		}
		return nil, err
	}

	c.logger.Debug(
		"group joined", "generation", jr.Generation, "member", jr.MemberID,
		"leader", jr.LeaderID == jr.MemberID,
	)
	return jr, nil
}

func (c *Coordinator) sync(
	ctx context.Context, coord int32, join *kmsg.JoinGroupResponse,
) ([]kafka.TopicPartition, map[string]int32, error) {
	req := kmsg.NewPtrSyncGroupRequest()
	req.Group = c.groupID
	req.Generation = join.Generation
	req.MemberID = join.MemberID
	req.InstanceID = c.cfg.InstanceID

	var counts map[string]int32
	if join.LeaderID == join.MemberID {
		plan, pc, err := c.plan(ctx, join)
		if err != nil {
			return nil, nil, err
		}
		counts = pc
		req.GroupAssignment = plan
	}

	resp, err := c.pool.Request(ctx, coord, broker.ClassGroup, req)
	if err != nil {
		return nil, nil, err
	}
	sr := resp.(*kmsg.SyncGroupResponse)
	if err := kerr.ErrorForCode(sr.ErrorCode); err != nil {
		return nil, nil, err
	}

	tps, err := decodeAssignment(sr.MemberAssignment)
	if err != nil {
		return nil, nil, err
	}
	return tps, counts, nil
}

// plan computes the leader's assignment for every member.
func (c *Coordinator) plan(
	ctx context.Context, join *kmsg.JoinGroupResponse,
) ([]kmsg.SyncGroupRequestGroupAssignment, map[string]int32, error) {
	if join.Protocol == nil {
		return nil, nil, errNoProtocol
	}
	var balancer Balancer
	for _, b := range c.cfg.Balancers {
		if b.Name() == *join.Protocol {
			balancer = b
			break
		}
	}
	if balancer == nil {
		return nil, nil, fmt.Errorf("group: coordinator chose unknown protocol %q", *join.Protocol)
	}

	members := make([]Member, 0, len(join.Members))
	topicSet := make(map[string]struct{})
	for _, m := range join.Members {
		var meta kmsg.ConsumerMemberMetadata
		if err := meta.ReadFrom(m.ProtocolMetadata); err != nil {
			return nil, nil, fmt.Errorf("group: decode metadata of member %s: %w", m.MemberID, err)
		}
		members = append(members, Member{ID: m.MemberID, InstanceID: m.InstanceID, Topics: meta.Topics, UserData: meta.UserData})
		for _, t := range meta.Topics {
			topicSet[t] = struct{}{}
		}
	}

	counts := make(map[string]int32, len(topicSet))
	for t := range topicSet {
		topic, err := c.meta.Resolve(ctx, t)
		if err != nil {
			c.logger.Warn("group leader skips topic without metadata", "topic", t, "error", err)
			counts[t] = 0
			continue
		}
		counts[t] = int32(topic.PartitionCount())
	}

	plan := encodePlan(members, balancer.Assign(members, withPartitions(counts)))
	c.logger.Info("group leader assigned partitions", "balancer", balancer.Name(), "members", len(members), "topics", len(counts))
	return plan, counts, nil
}

// encodePlan serialises one assignment per member, topics in name order.
// Members the balancer left out get an empty assignment.
func encodePlan(members []Member, assigned Assignment) []kmsg.SyncGroupRequestGroupAssignment {
	plan := make([]kmsg.SyncGroupRequestGroupAssignment, 0, len(members))
	for _, m := range members {
		ma := kmsg.NewConsumerMemberAssignment()
		ma.Version = 0
		for _, t := range sortedTopics(assigned[m.ID]) {
			at := kmsg.NewConsumerMemberAssignmentTopic()
			at.Topic = t
			at.Partitions = assigned[m.ID][t]
			ma.Topics = append(ma.Topics, at)
		}

		ga := kmsg.NewSyncGroupRequestGroupAssignment()
		ga.MemberID = m.ID
		ga.MemberAssignment = ma.AppendTo(nil)
		plan = append(plan, ga)
	}
	return plan
}

func withPartitions(counts map[string]int32) map[string]int32 {
	out := make(map[string]int32, len(counts))
	for t, n := range counts {
		if n > 0 {
			out[t] = n
		}
	}
	return out
}

func decodeAssignment(raw []byte) ([]kafka.TopicPartition, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var ma kmsg.ConsumerMemberAssignment
	if err := ma.ReadFrom(raw); err != nil {
		return nil, fmt.Errorf("group: decode member assignment: %w", err)
	}

	var tps []kafka.TopicPartition
	for _, t := range ma.Topics {
		for _, p := range t.Partitions {
			tps = append(tps, kafka.TopicPartition{Topic: t.Topic, Partition: p})
		}
	}
	sort.Slice(
		tps, func(i, j int) bool {
			if tps[i].Topic != tps[j].Topic {
				return tps[i].Topic < tps[j].Topic
			}
			return tps[i].Partition < tps[j].Partition
		},
	)
	return tps, nil
}

func (c *Coordinator) stabilize(join *kmsg.JoinGroupResponse, assigned []kafka.TopicPartition, counts map[string]int32) {
	c.mu.Lock()
	c.state = StateStable
	c.generation = join.Generation
	c.memberID = join.MemberID
	c.leader = join.LeaderID == join.MemberID
	c.assigned = assigned
	c.counts = counts
	c.lastBeat = time.Now()
	c.heartbeat = c.sched.Every(c.cfg.HeartbeatInterval, c.beat)
	c.mu.Unlock()

	c.tel.Rebalances.Add(context.Background(), 1, metric.WithAttributes(otel.AttrGroup.String(c.groupID)))
	c.logger.Info(
		"group stable", "generation", join.Generation, "member", join.MemberID,
		"leader", join.LeaderID == join.MemberID, "partitions", assigned,
	)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RebalanceTimeout)
	defer cancel()
	c.handler.OnAssigned(ctx, slices.Clone(assigned))
}

func (c *Coordinator) stopHeartbeatLocked() {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
}

// rejoinLocked leaves the stable state of generation gen and wakes the
// membership loop. lost marks the assignment as gone instead of revocable.
func (c *Coordinator) rejoinLocked(gen int32, reason string, lost bool) {
	if c.generation != gen || c.state != StateStable {
		return
	}
	c.stopHeartbeatLocked()
	if lost {
		c.state = StateUnjoined
		c.lost = true
		c.memberID = ""
		c.generation = -1
	} else {
		c.state = StateRebalancing
	}
	c.logger.Info("group rebalancing", "reason", reason, "generation", gen)

	select {
	case c.rejoinCh <- struct{}{}:
	default:
	}
}

func (c *Coordinator) rejoin(gen int32, reason string, lost bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejoinLocked(gen, reason, lost)
}

// beat runs on the scheduler goroutine and must not block.
func (c *Coordinator) beat() {
	if !c.beating.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.beating.Store(false)
		c.heartbeatOnce()
	}()
}

func (c *Coordinator) heartbeatOnce() {
	c.mu.Lock()
	if c.state != StateStable {
		c.mu.Unlock()
		return
	}
	gen, memberID, leader, lastBeat := c.generation, c.memberID, c.leader, c.lastBeat
	counts := c.counts
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.SessionTimeout)
	defer cancel()

	err := c.sendHeartbeat(ctx, gen, memberID)
	switch {
	case err == nil:
		c.mu.Lock()
		if c.generation == gen {
			c.lastBeat = time.Now()
		}
		c.mu.Unlock()
		if leader {
			c.checkPartitionCounts(gen, counts)
		}
	case errors.Is(err, kerr.RebalanceInProgress):
		c.rejoin(gen, "rebalance in progress", false)
	case errors.Is(err, kerr.IllegalGeneration):
		c.rejoin(gen, "illegal generation", false)
	case errors.Is(err, kerr.UnknownMemberID), errors.Is(err, kerr.FencedInstanceID):
		c.mu.Lock()
		if c.generation == gen {
			c.memberID = ""
		}
		c.rejoinLocked(gen, "unknown member id", false)
		c.mu.Unlock()
	default:
		if c.ctx.Err() != nil {
			return
		}
		if isCoordinatorError(err) {
			c.resetCoordinator()
		}
		c.logger.Warn("group heartbeat failed", "generation", gen, "error", err)
		if time.Since(lastBeat) > c.cfg.SessionTimeout {
			c.rejoin(gen, "session timeout", true)
		}
	}
}

func (c *Coordinator) sendHeartbeat(ctx context.Context, gen int32, memberID string) error {
	coord, err := c.ensureCoordinator(ctx)
	if err != nil {
		return err
	}

	req := kmsg.NewPtrHeartbeatRequest()
	req.Group = c.groupID
	req.Generation = gen
	req.MemberID = memberID
	req.InstanceID = c.cfg.InstanceID

	resp, err := c.pool.Request(ctx, coord, broker.ClassGroup, req)
	if err != nil {
		return err
	}
	return kerr.ErrorForCode(resp.(*kmsg.HeartbeatResponse).ErrorCode)
}

// checkPartitionCounts has the leader rebalance the group when a subscribed
// topic gained partitions or appeared since the assignment.
func (c *Coordinator) checkPartitionCounts(gen int32, counts map[string]int32) {
	for topic, n := range counts {
		t, fresh := c.meta.Cached(topic)
		if !fresh {
			c.meta.RefreshAsync(topic)
		}
		if t != nil && int32(t.PartitionCount()) != n {
			c.rejoin(gen, fmt.Sprintf("partition count of %s changed from %d to %d", topic, n, t.PartitionCount()), false)
			return
		}
	}
}

// ensureCoordinator returns the coordinator's broker id, discovering it if needed.
func (c *Coordinator) ensureCoordinator(ctx context.Context) (int32, error) {
	c.mu.Lock()
	coord := c.coordinator
	c.mu.Unlock()
	if coord >= 0 {
		return coord, nil
	}

	req := kmsg.NewPtrFindCoordinatorRequest()
	req.CoordinatorKey = c.groupID
	req.CoordinatorType = 0

	resp, err := c.pool.RequestAny(ctx, req)
	if err != nil {
		return -1, fmt.Errorf("group: find coordinator: %w", err)
	}
	fr := resp.(*kmsg.FindCoordinatorResponse)
	if err := kerr.ErrorForCode(fr.ErrorCode); err != nil {
		return -1, fmt.Errorf("group: find coordinator: %w", err)
	}

	c.pool.AddBroker(broker.Broker{NodeID: fr.NodeID, Host: fr.Host, Port: fr.Port})
	c.mu.Lock()
	c.coordinator = fr.NodeID
	c.mu.Unlock()
	c.logger.Debug("group coordinator found", "broker", fr.NodeID, "host", fr.Host, "port", fr.Port)
	return fr.NodeID, nil
}

func (c *Coordinator) resetCoordinator() {
	c.mu.Lock()
	c.coordinator = -1
	c.mu.Unlock()
}

// Leave revokes the assignment, stops the membership loop and tells the
// coordinator the member is gone. A never-joined coordinator only stops.
func (c *Coordinator) Leave(ctx context.Context) error {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()

	c.cancel()
	if running {
		select {
		case <-c.doneCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.release()

	c.mu.Lock()
	memberID, coord := c.memberID, c.coordinator
	c.state = StateUnjoined
	c.memberID = ""
	c.generation = -1
	c.leader = false
	c.mu.Unlock()

	if memberID == "" || coord < 0 {
		return nil
	}

	req := kmsg.NewPtrLeaveGroupRequest()
	req.Group = c.groupID
	req.MemberID = memberID
	m := kmsg.NewLeaveGroupRequestMember()
	m.MemberID = memberID
	m.InstanceID = c.cfg.InstanceID
	req.Members = append(req.Members, m)

	resp, err := c.pool.Request(ctx, coord, broker.ClassGroup, req)
	if err == nil {
		err = kerr.ErrorForCode(resp.(*kmsg.LeaveGroupResponse).ErrorCode)
	}
	if err != nil {
		c.logger.Warn("group leave failed", "member", memberID, "error", err)
		return fmt.Errorf("group: leave: %w", err)
	}
	c.logger.Info("group left", "member", memberID)
	return nil
}
