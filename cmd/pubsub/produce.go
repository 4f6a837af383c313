package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/hugolhafner/go-pubsub/producer"
)

type ProduceCmd struct {
	Topic       string        `arg:"" help:"Topic to produce to."`
	Partition   int32         `help:"Partition to write to, -1 to let the partitioner pick." default:"-1"`
	KeySep      string        `help:"Split each line into key and value at the first separator."`
	Acks        string        `help:"Acknowledgements to wait for." default:"all" enum:"none,leader,all"`
	Compression string        `help:"Batch compression codec." default:"none" enum:"none,gzip,snappy,lz4,zstd"`
	Linger      time.Duration `help:"How long to wait for a batch to fill." default:"5ms"`
	QueueSize   int           `help:"Undelivered records buffered per partition." default:"100000"`
}

func (p *ProduceCmd) acks() kafka.Acks {
	switch p.Acks {
	case "none":
		return kafka.AcksNone
	case "leader":
		return kafka.AcksLeader
	default:
		return kafka.AcksAll
	}
}

// send retries a full queue after letting in-flight batches drain.
func send(ctx context.Context, prod *producer.Producer, rec kafka.Record, cb kafka.DeliveryCallback) error {
	for {
		err := prod.Send(ctx, rec, cb)
		if !errors.Is(err, kafka.ErrQueueFull) {
			return err
		}

		drainCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		_, _ = prod.Flush(drainCtx)
		cancel()
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (p *ProduceCmd) Run(g *Globals) error {
	l, sync, err := g.logger()
	if err != nil {
		return err
	}
	defer sync()

	codec, err := kafka.ParseCompression(p.Compression)
	if err != nil {
		return err
	}

	c, err := g.client(l, p.Topic)
	if err != nil {
		return err
	}
	defer func() { _ = g.closeClient(c) }()

	prod, err := c.NewProducer(
		producer.WithAcks(p.acks()),
		producer.WithCompression(codec),
		producer.WithLinger(p.Linger),
		producer.WithQueue(p.QueueSize, 0),
	)
	if err != nil {
		return err
	}

	var failed atomic.Int64
	report := func(rec kafka.Record, offset int64, err error) {
		if err != nil {
			failed.Add(1)
			l.Error("delivery failed", "partition", rec.Partition, "error", err)
			return
		}
		l.Debug("delivered", "partition", rec.Partition, "offset", offset)
	}

	sent := 0
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		rec := kafka.NewRecord(p.Topic, nil, bytes.Clone(scanner.Bytes()))
		rec.Partition = p.Partition
		if p.KeySep != "" {
			if key, value, ok := bytes.Cut(rec.Value, []byte(p.KeySep)); ok {
				rec.Key, rec.Value = key, value
			}
		}
		if err := send(g.ctx, prod, rec, report); errors.Is(err, context.Canceled) {
			break
		} else if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		sent++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}

	// Interrupted runs still get Timeout to drain.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(g.ctx), g.Timeout)
	defer cancel()
	if n, err := prod.Flush(flushCtx); err != nil {
		return fmt.Errorf("flush: %d records undelivered: %w", n, err)
	}
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d records failed", n, sent)
	}
	l.Info("produced", "topic", p.Topic, "records", sent)
	return nil
}
