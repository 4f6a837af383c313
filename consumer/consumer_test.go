//go:build unit

package consumer_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hugolhafner/go-pubsub/broker"
	"github.com/hugolhafner/go-pubsub/consumer"
	"github.com/hugolhafner/go-pubsub/group"
	"github.com/hugolhafner/go-pubsub/internal/kafkatest"
	"github.com/hugolhafner/go-pubsub/internal/retry"
	"github.com/hugolhafner/go-pubsub/internal/timer"
	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/hugolhafner/go-pubsub/metadata"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kmsg"
)

func createTestConsumer(t *testing.T, seeds []string, opts ...consumer.Option) *consumer.Consumer {
	t.Helper()

	l := kafkatest.Logger(t)
	pool, err := broker.NewPool(seeds, broker.WithLogger(l))
	require.NoError(t, err)
	meta := metadata.New(pool, metadata.WithLogger(l))
	sched := timer.New()

	opts = append(
		[]consumer.Option{
			consumer.WithLogger(l),
			consumer.WithPollTimeout(200 * time.Millisecond),
			consumer.WithFetch(100*time.Millisecond, 1, 0, 0),
			consumer.WithRetryBackoff(retry.Fixed(20 * time.Millisecond)),
		}, opts...,
	)
	c, err := consumer.New(pool, meta, sched, opts...)
	require.NoError(t, err)

	t.Cleanup(
		func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = c.Close(ctx)
			sched.Close()
			_ = pool.Close()
		},
	)
	return c
}

func groupOptions() consumer.Option {
	return consumer.WithGroupOptions(
		group.WithSessionTimeout(6*time.Second),
		group.WithHeartbeatInterval(200*time.Millisecond),
		group.WithRebalanceTimeout(6*time.Second),
		group.WithRetryBackoff(retry.Fixed(50*time.Millisecond)),
	)
}

// pollN polls until n records arrived or the timeout passed.
func pollN(t *testing.T, c *consumer.Consumer, n int, timeout time.Duration) []kafka.ConsumerRecord {
	t.Helper()

	deadline := time.Now().Add(timeout)
	var out []kafka.ConsumerRecord
	for len(out) < n {
		if time.Now().After(deadline) {
			require.FailNowf(t, "poll timed out", "got %d of %d records", len(out), n)
		}
		recs, err := c.Poll(context.Background())
		require.NoError(t, err)
		out = append(out, recs...)
	}
	return out
}

// pollUntil polls until done reports true for the records of the last poll.
func pollUntil(t *testing.T, c *consumer.Consumer, timeout time.Duration, done func([]kafka.ConsumerRecord) bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		recs, err := c.Poll(context.Background())
		require.NoError(t, err)
		if done(recs) {
			return
		}
		if time.Now().After(deadline) {
			require.FailNow(t, "condition not met before the timeout")
		}
	}
}

func values(n int, prefix string) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%d", prefix, i)
	}
	return out
}

func TestConsumer_AssignRoundTrip(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 2, map[string]int32{"orders": 2})
	ref := kafkatest.NewReferenceClient(t, cluster.ListenAddrs())
	kafkatest.Produce(t, ref, "orders", 0, values(20, "p0")...)
	kafkatest.Produce(t, ref, "orders", 1, values(10, "p1")...)

	c := createTestConsumer(t, cluster.ListenAddrs(), consumer.WithAutoOffsetReset(kafka.OffsetResetEarliest))
	tps := []kafka.TopicPartition{{Topic: "orders", Partition: 1}, {Topic: "orders", Partition: 0}}
	require.NoError(t, c.Assign(tps))
	require.Equal(t, []kafka.TopicPartition{{Topic: "orders"}, {Topic: "orders", Partition: 1}}, c.Assignment())

	recs := pollN(t, c, 30, 10*time.Second)
	require.Len(t, recs, 30)

	next := map[int32]int64{}
	for _, r := range recs {
		require.Equal(t, next[r.Partition], r.Offset, "records of a partition arrive in offset order")
		require.Equal(t, fmt.Sprintf("p%d-%d", r.Partition, r.Offset), string(r.Value))
		next[r.Partition]++
	}

	pos, err := c.Position(kafka.TopicPartition{Topic: "orders", Partition: 0})
	require.NoError(t, err)
	require.Equal(t, int64(20), pos)

	stats := c.Stats()
	require.Equal(t, 2, stats.Assigned)
	require.Equal(t, int64(30), stats.Consumed)
}

func TestConsumer_MaxPollRecords(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 1, map[string]int32{"bulk": 1})
	ref := kafkatest.NewReferenceClient(t, cluster.ListenAddrs())
	kafkatest.Produce(t, ref, "bulk", 0, values(25, "v")...)

	c := createTestConsumer(
		t, cluster.ListenAddrs(),
		consumer.WithAutoOffsetReset(kafka.OffsetResetEarliest),
		consumer.WithMaxPollRecords(10),
	)
	require.NoError(t, c.Assign([]kafka.TopicPartition{{Topic: "bulk"}}))

	total, largest := 0, 0
	pollUntil(
		t, c, 10*time.Second, func(recs []kafka.ConsumerRecord) bool {
			total += len(recs)
			largest = max(largest, len(recs))
			return total == 25
		},
	)
	require.Equal(t, 10, largest)
}

func TestConsumer_LatestSkipsExisting(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 1, map[string]int32{"tail": 1})
	ref := kafkatest.NewReferenceClient(t, cluster.ListenAddrs())
	kafkatest.Produce(t, ref, "tail", 0, "old-1", "old-2")

	c := createTestConsumer(t, cluster.ListenAddrs())
	tp := kafka.TopicPartition{Topic: "tail"}
	require.NoError(t, c.Assign([]kafka.TopicPartition{tp}))

	pollUntil(
		t, c, 10*time.Second, func([]kafka.ConsumerRecord) bool {
			pos, _ := c.Position(tp)
			return pos == 2
		},
	)

	kafkatest.Produce(t, ref, "tail", 0, "new-1")
	recs := pollN(t, c, 1, 10*time.Second)
	require.Equal(t, "new-1", string(recs[0].Value))
	require.Equal(t, int64(2), recs[0].Offset)
}

func TestConsumer_Seek(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 1, map[string]int32{"seek": 1})
	ref := kafkatest.NewReferenceClient(t, cluster.ListenAddrs())
	kafkatest.Produce(t, ref, "seek", 0, values(10, "v")...)

	c := createTestConsumer(t, cluster.ListenAddrs(), consumer.WithAutoOffsetReset(kafka.OffsetResetEarliest))
	tp := kafka.TopicPartition{Topic: "seek"}
	require.NoError(t, c.Assign([]kafka.TopicPartition{tp}))
	pollN(t, c, 10, 10*time.Second)

	require.NoError(t, c.Seek(tp, 3))
	pos, err := c.Position(tp)
	require.NoError(t, err)
	require.Equal(t, int64(3), pos)

	recs := pollN(t, c, 7, 10*time.Second)
	require.Equal(t, int64(3), recs[0].Offset)
	require.Equal(t, int64(9), recs[len(recs)-1].Offset)

	require.NoError(t, c.Seek(tp, kafka.OffsetEarliest))
	recs = pollN(t, c, 1, 10*time.Second)
	require.Equal(t, int64(0), recs[0].Offset)
}

func TestConsumer_SeekErrors(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 1, map[string]int32{"seek": 1})
	c := createTestConsumer(t, cluster.ListenAddrs())
	require.NoError(t, c.Assign([]kafka.TopicPartition{{Topic: "seek"}}))

	require.ErrorIs(t, c.Seek(kafka.TopicPartition{Topic: "other"}, 0), kafka.ErrNotAssigned)
	require.Error(t, c.Seek(kafka.TopicPartition{Topic: "seek"}, -7))

	_, err := c.Position(kafka.TopicPartition{Topic: "other"})
	require.ErrorIs(t, err, kafka.ErrNotAssigned)
}

func TestConsumer_OffsetOutOfRangeResets(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 1, map[string]int32{"range": 1})
	ref := kafkatest.NewReferenceClient(t, cluster.ListenAddrs())
	kafkatest.Produce(t, ref, "range", 0, values(5, "v")...)

	c := createTestConsumer(t, cluster.ListenAddrs(), consumer.WithAutoOffsetReset(kafka.OffsetResetEarliest))
	tp := kafka.TopicPartition{Topic: "range"}
	require.NoError(t, c.Assign([]kafka.TopicPartition{tp}))
	require.NoError(t, c.Seek(tp, 1000))

	recs := pollN(t, c, 5, 10*time.Second)
	require.Equal(t, int64(0), recs[0].Offset)
}

func TestConsumer_PartitionEOF(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 1, map[string]int32{"eof": 1})
	ref := kafkatest.NewReferenceClient(t, cluster.ListenAddrs())
	kafkatest.Produce(t, ref, "eof", 0, values(3, "v")...)

	var mu sync.Mutex
	var eofs []int64
	c := createTestConsumer(
		t, cluster.ListenAddrs(),
		consumer.WithAutoOffsetReset(kafka.OffsetResetEarliest),
		consumer.WithPartitionEOF(
			func(tp kafka.TopicPartition, offset int64) {
				mu.Lock()
				defer mu.Unlock()
				eofs = append(eofs, offset)
			},
		),
	)
	require.NoError(t, c.Assign([]kafka.TopicPartition{{Topic: "eof"}}))
	pollN(t, c, 3, 10*time.Second)

	pollUntil(
		t, c, 10*time.Second, func([]kafka.ConsumerRecord) bool {
			mu.Lock()
			defer mu.Unlock()
			return len(eofs) > 0
		},
	)

	_, err := c.Poll(context.Background())
	require.NoError(t, err)
	mu.Lock()
	require.Equal(t, []int64{3}, eofs, "end of partition is reported once")
	mu.Unlock()
}

func TestConsumer_PauseResume(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 1, map[string]int32{"pause": 2})
	ref := kafkatest.NewReferenceClient(t, cluster.ListenAddrs())
	kafkatest.Produce(t, ref, "pause", 0, values(5, "a")...)
	kafkatest.Produce(t, ref, "pause", 1, values(5, "b")...)

	c := createTestConsumer(t, cluster.ListenAddrs(), consumer.WithAutoOffsetReset(kafka.OffsetResetEarliest))
	p0 := kafka.TopicPartition{Topic: "pause"}
	p1 := kafka.TopicPartition{Topic: "pause", Partition: 1}
	require.NoError(t, c.Assign([]kafka.TopicPartition{p0, p1}))
	c.PausePartitions(p1)
	require.Equal(t, 1, c.Stats().Paused)

	recs := pollN(t, c, 5, 10*time.Second)
	for _, r := range recs {
		require.Equal(t, int32(0), r.Partition)
	}
	recs, err := c.Poll(context.Background())
	require.NoError(t, err)
	require.Empty(t, recs, "paused partition returns nothing")

	c.ResumePartitions(p1)
	recs = pollN(t, c, 5, 10*time.Second)
	for _, r := range recs {
		require.Equal(t, int32(1), r.Partition)
	}
}

func TestConsumer_PollTimeoutAndCancel(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 1, map[string]int32{"idle": 1})
	c := createTestConsumer(t, cluster.ListenAddrs())
	require.NoError(t, c.Assign([]kafka.TopicPartition{{Topic: "idle"}}))

	start := time.Now()
	recs, err := c.Poll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, recs)
	require.Empty(t, recs)
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	recs, err = c.Poll(ctx)
	require.NoError(t, err, "a deadline ends the poll like the timeout")
	require.Empty(t, recs)

	cctx, ccancel := context.WithCancel(context.Background())
	ccancel()
	_, err = c.Poll(cctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestConsumer_NoGroup(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 1, nil)
	c := createTestConsumer(t, cluster.ListenAddrs())

	require.Error(t, c.Subscribe([]string{"t"}, nil))
	require.Error(t, c.Commit(context.Background()))
	_, err := c.Committed(context.Background(), nil)
	require.Error(t, err)
}

func TestConsumer_CloseEndsPoll(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 1, map[string]int32{"closing": 1})
	c := createTestConsumer(t, cluster.ListenAddrs(), consumer.WithPollTimeout(10*time.Second))
	require.NoError(t, c.Assign([]kafka.TopicPartition{{Topic: "closing"}}))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Poll(context.Background())
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, c.Close(context.Background()))
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, kafka.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("poll did not return after close")
	}

	require.ErrorIs(t, c.Assign(nil), kafka.ErrClosed)
	require.NoError(t, c.Close(context.Background()))
}

func TestConsumer_AssignedCommit(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 1, map[string]int32{"commits": 1})
	ref := kafkatest.NewReferenceClient(t, cluster.ListenAddrs())
	kafkatest.Produce(t, ref, "commits", 0, values(4, "v")...)

	tp := kafka.TopicPartition{Topic: "commits"}
	c := createTestConsumer(
		t, cluster.ListenAddrs(),
		consumer.WithGroupID("manual"),
		consumer.WithAutoCommit(false, 0),
		consumer.WithAutoOffsetReset(kafka.OffsetResetEarliest),
	)
	require.NoError(t, c.Assign([]kafka.TopicPartition{tp}))
	pollN(t, c, 4, 10*time.Second)
	require.NoError(t, c.Commit(context.Background()))

	committed, err := c.Committed(context.Background(), []kafka.TopicPartition{tp})
	require.NoError(t, err)
	require.Equal(t, int64(4), committed[tp].Offset)

	done := make(chan error, 1)
	c.CommitAsync(
		map[kafka.TopicPartition]kafka.Offset{tp: kafka.NewOffset(2)},
		func(_ map[kafka.TopicPartition]kafka.Offset, err error) { done <- err },
	)
	require.NoError(t, <-done)

	committed, err = c.Committed(context.Background(), []kafka.TopicPartition{tp})
	require.NoError(t, err)
	require.Equal(t, int64(2), committed[tp].Offset)

	restarted := createTestConsumer(
		t, cluster.ListenAddrs(),
		consumer.WithGroupID("manual"),
		consumer.WithAutoCommit(false, 0),
	)
	require.NoError(t, restarted.Assign([]kafka.TopicPartition{tp}))
	recs := pollN(t, restarted, 2, 10*time.Second)
	require.Equal(t, int64(2), recs[0].Offset, "resumes from the committed offset")
}

func TestConsumer_OffsetResetNone(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 1, map[string]int32{"strict": 1})
	c := createTestConsumer(
		t, cluster.ListenAddrs(),
		consumer.WithGroupID("strict"),
		consumer.WithAutoOffsetReset(kafka.OffsetResetNone),
	)
	require.NoError(t, c.Assign([]kafka.TopicPartition{{Topic: "strict"}}))

	deadline := time.Now().Add(10 * time.Second)
	for {
		_, err := c.Poll(context.Background())
		if err != nil {
			require.ErrorIs(t, err, kafka.ErrNoOffset)
			return
		}
		require.True(t, time.Now().Before(deadline), "poll never reported the missing offset")
	}
}

func TestConsumer_UnknownGroupUsesResetPolicy(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 1, map[string]int32{"fresh-group": 1})
	ref := kafkatest.NewReferenceClient(t, cluster.ListenAddrs())
	kafkatest.Produce(t, ref, "fresh-group", 0, values(3, "v")...)

	var fetches atomic.Int32
	cluster.ControlKey(
		int16(kmsg.OffsetFetch), func(kreq kmsg.Request) (kmsg.Response, error, bool) {
			cluster.KeepControl()
			fetches.Add(1)
			resp := kreq.ResponseKind().(*kmsg.OffsetFetchResponse)
			resp.Version = kreq.GetVersion()
			resp.ErrorCode = kerr.GroupIDNotFound.Code
			return resp, nil, true
		},
	)

	c := createTestConsumer(
		t, cluster.ListenAddrs(),
		consumer.WithGroupID("never-committed"),
		consumer.WithAutoCommit(false, 0),
		consumer.WithAutoOffsetReset(kafka.OffsetResetEarliest),
	)
	require.NoError(t, c.Assign([]kafka.TopicPartition{{Topic: "fresh-group"}}))

	recs := pollN(t, c, 3, 10*time.Second)
	require.Equal(t, int64(0), recs[0].Offset)
	require.Equal(t, int32(1), fetches.Load(), "the lookup is not retried")
}

// rebalances records the partitions each callback saw.
type rebalances struct {
	mu       sync.Mutex
	assigned []kafka.TopicPartition
	revoked  []kafka.TopicPartition
}

func (r *rebalances) OnAssigned(tps []kafka.TopicPartition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assigned = append(r.assigned, tps...)
}

func (r *rebalances) OnRevoked(tps []kafka.TopicPartition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked = append(r.revoked, tps...)
}

func TestConsumer_GroupRebalance(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 3, map[string]int32{"jobs": 4})
	ref := kafkatest.NewReferenceClient(t, cluster.ListenAddrs())
	for p := int32(0); p < 4; p++ {
		kafkatest.Produce(t, ref, "jobs", p, values(5, fmt.Sprintf("p%d", p))...)
	}

	opts := []consumer.Option{
		consumer.WithGroupID("workers"),
		groupOptions(),
		consumer.WithAutoOffsetReset(kafka.OffsetResetEarliest),
		consumer.WithAutoCommit(true, 100*time.Millisecond),
	}
	first := createTestConsumer(t, cluster.ListenAddrs(), opts...)
	second := createTestConsumer(t, cluster.ListenAddrs(), opts...)

	var firstCb, secondCb rebalances
	require.NoError(t, first.Subscribe([]string{"jobs"}, &firstCb))
	require.Eventually(t, func() bool { return len(first.Assignment()) == 4 }, 15*time.Second, 20*time.Millisecond)

	require.NoError(t, second.Subscribe([]string{"jobs"}, &secondCb))

	// Both members keep polling while the group rebalances.
	var mu sync.Mutex
	seen := make(map[string]bool)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	for _, c := range []*consumer.Consumer{first, second} {
		wg.Add(1)
		go func(c *consumer.Consumer) {
			defer wg.Done()
			for ctx.Err() == nil {
				recs, err := c.Poll(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				for _, r := range recs {
					seen[string(r.Value)] = true
				}
				mu.Unlock()
			}
		}(c)
	}

	require.Eventually(
		t, func() bool {
			return len(first.Assignment()) == 2 && len(second.Assignment()) == 2
		}, 20*time.Second, 20*time.Millisecond,
	)

	owned := append(first.Assignment(), second.Assignment()...)
	require.ElementsMatch(
		t, []kafka.TopicPartition{
			{Topic: "jobs", Partition: 0}, {Topic: "jobs", Partition: 1},
			{Topic: "jobs", Partition: 2}, {Topic: "jobs", Partition: 3},
		}, owned,
	)

	require.Eventually(
		t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(seen) == 20
		}, 20*time.Second, 20*time.Millisecond,
	)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	require.NoError(t, second.Close(closeCtx))

	require.Eventually(t, func() bool { return len(first.Assignment()) == 4 }, 20*time.Second, 20*time.Millisecond)
	cancel()
	wg.Wait()

	secondCb.mu.Lock()
	require.NotEmpty(t, secondCb.assigned)
	require.ElementsMatch(t, secondCb.assigned, secondCb.revoked, "leaving revokes everything it owned")
	secondCb.mu.Unlock()

	committed, err := first.Committed(context.Background(), owned)
	require.NoError(t, err)
	require.Empty(t, second.Assignment())
	for _, tp := range secondCb.assigned {
		require.Equal(t, int64(5), committed[tp].Offset, "revocation committed %s", tp)
	}
}

func TestConsumer_RevokedPartitionsAreNotPolled(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 1, map[string]int32{"handoff": 2})
	ref := kafkatest.NewReferenceClient(t, cluster.ListenAddrs())
	for p := int32(0); p < 2; p++ {
		kafkatest.Produce(t, ref, "handoff", p, values(5, fmt.Sprintf("p%d", p))...)
	}

	opts := []consumer.Option{
		consumer.WithGroupID("handoff"),
		groupOptions(),
		consumer.WithAutoOffsetReset(kafka.OffsetResetEarliest),
		consumer.WithAutoCommit(true, time.Hour),
		consumer.WithMaxPollRecords(1),
	}
	first := createTestConsumer(t, cluster.ListenAddrs(), opts...)

	var (
		mu       sync.Mutex
		revoked  []kafka.TopicPartition
		leaked   []kafka.ConsumerRecord
		revoking sync.Once
	)
	require.NoError(
		t, first.Subscribe(
			[]string{"handoff"}, kafka.RebalanceFuncs{
				Revoked: func(tps []kafka.TopicPartition) {
					revoking.Do(
						func() {
							// buffered records of revoked partitions must stay behind
							ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
							defer cancel()
							recs, _ := first.Poll(ctx)
							mu.Lock()
							revoked = append(revoked, tps...)
							leaked = append(leaked, recs...)
							mu.Unlock()
						},
					)
				},
			},
		),
	)
	require.Eventually(t, func() bool { return len(first.Assignment()) == 2 }, 15*time.Second, 20*time.Millisecond)

	consumed := make(map[int32]int64)
	for _, r := range pollN(t, first, 3, 10*time.Second) {
		consumed[r.Partition] = r.Offset + 1
	}

	second := createTestConsumer(t, cluster.ListenAddrs(), opts...)
	require.NoError(t, second.Subscribe([]string{"handoff"}, nil))

	require.Eventually(
		t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(revoked) == 2
		}, 20*time.Second, 20*time.Millisecond,
	)

	mu.Lock()
	require.Empty(t, leaked)
	mu.Unlock()

	tps := []kafka.TopicPartition{{Topic: "handoff", Partition: 0}, {Topic: "handoff", Partition: 1}}
	committed, err := second.Committed(context.Background(), tps)
	require.NoError(t, err)
	for p, next := range consumed {
		require.Equal(t, next, committed[kafka.TopicPartition{Topic: "handoff", Partition: p}].Offset)
	}
}

func TestConsumer_SessionLostRejoins(t *testing.T) {
	cluster := kafkatest.NewCluster(
		t, 1, map[string]int32{"beats": 2}, kfake.GroupMinSessionTimeout(500*time.Millisecond),
	)
	ref := kafkatest.NewReferenceClient(t, cluster.ListenAddrs())
	for p := int32(0); p < 2; p++ {
		kafkatest.Produce(t, ref, "beats", p, values(3, fmt.Sprintf("p%d", p))...)
	}

	var failing atomic.Bool
	cluster.ControlKey(
		int16(kmsg.Heartbeat), func(kreq kmsg.Request) (kmsg.Response, error, bool) {
			if !failing.Load() {
				return nil, nil, false
			}
			cluster.KeepControl()
			resp := kreq.ResponseKind().(*kmsg.HeartbeatResponse)
			resp.Version = kreq.GetVersion()
			resp.ErrorCode = kerr.CoordinatorNotAvailable.Code
			return resp, nil, true
		},
	)

	c := createTestConsumer(
		t, cluster.ListenAddrs(),
		consumer.WithGroupID("lossy"),
		consumer.WithGroupOptions(
			group.WithSessionTimeout(time.Second),
			group.WithHeartbeatInterval(100*time.Millisecond),
			group.WithRebalanceTimeout(6*time.Second),
			group.WithRetryBackoff(retry.Fixed(50*time.Millisecond)),
		),
		consumer.WithAutoOffsetReset(kafka.OffsetResetEarliest),
		consumer.WithAutoCommit(true, time.Hour),
	)
	var cb rebalances
	require.NoError(t, c.Subscribe([]string{"beats"}, &cb))
	require.Eventually(t, func() bool { return len(c.Assignment()) == 2 }, 15*time.Second, 20*time.Millisecond)
	pollN(t, c, 6, 10*time.Second)

	failing.Store(true)
	require.Eventually(
		t, func() bool {
			cb.mu.Lock()
			defer cb.mu.Unlock()
			return len(cb.revoked) == 2
		}, 15*time.Second, 20*time.Millisecond, "heartbeats failing past the session timeout lose the assignment",
	)
	failing.Store(false)

	require.Eventually(t, func() bool { return len(c.Assignment()) == 2 }, 15*time.Second, 20*time.Millisecond)

	// nothing was committed for the lost generation, so consumption restarts
	tps := c.Assignment()
	committed, err := c.Committed(context.Background(), tps)
	require.NoError(t, err)
	require.Empty(t, committed)

	recs := pollN(t, c, 6, 10*time.Second)
	for _, r := range recs {
		require.Less(t, r.Offset, int64(3))
	}
}

func TestConsumer_HeartbeatRediscoversCoordinator(t *testing.T) {
	cluster := kafkatest.NewCluster(t, 1, map[string]int32{"moved": 1})

	var finds, beatsAfter atomic.Int32
	cluster.ControlKey(
		int16(kmsg.FindCoordinator), func(kmsg.Request) (kmsg.Response, error, bool) {
			finds.Add(1)
			return nil, nil, false
		},
	)

	c := createTestConsumer(t, cluster.ListenAddrs(), consumer.WithGroupID("moved"), groupOptions())
	var cb rebalances
	require.NoError(t, c.Subscribe([]string{"moved"}, &cb))
	require.Eventually(t, func() bool { return len(c.Assignment()) == 1 }, 15*time.Second, 20*time.Millisecond)
	before := finds.Load()

	var answered atomic.Bool
	cluster.ControlKey(
		int16(kmsg.Heartbeat), func(kreq kmsg.Request) (kmsg.Response, error, bool) {
			if answered.CompareAndSwap(false, true) {
				cluster.KeepControl()
				resp := kreq.ResponseKind().(*kmsg.HeartbeatResponse)
				resp.Version = kreq.GetVersion()
				resp.ErrorCode = kerr.NotCoordinator.Code
				return resp, nil, true
			}
			beatsAfter.Add(1)
			return nil, nil, false
		},
	)

	require.Eventually(
		t, func() bool { return finds.Load() > before && beatsAfter.Load() >= 3 }, 10*time.Second, 20*time.Millisecond,
		"the coordinator is looked up again and heartbeats resume",
	)

	cb.mu.Lock()
	require.Empty(t, cb.revoked, "a moved coordinator does not cost the assignment")
	cb.mu.Unlock()
	require.Len(t, c.Assignment(), 1)
}
