package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hugolhafner/go-pubsub/consumer"
	"github.com/hugolhafner/go-pubsub/errorhandler"
	"github.com/hugolhafner/go-pubsub/kafka"
	"github.com/hugolhafner/go-pubsub/metadata"
	"github.com/hugolhafner/go-pubsub/runner"
)

type ConsumeCmd struct {
	Topics     []string      `arg:"" help:"Topics to consume."`
	Group      string        `help:"Consumer group id. Without one every partition is consumed."`
	From       string        `help:"Where to start without a committed offset." default:"latest" enum:"earliest,latest,none"`
	Format     string        `help:"Output format." default:"value" enum:"value,kv,full"`
	MaxRecords int           `help:"Exit after this many records, 0 for no limit." default:"0"`
	Commit     time.Duration `help:"Commit interval for groups." default:"5s"`
	DLQ        string        `help:"Forward records that cannot be written to stdout to this topic instead of failing."`
}

func (cmd *ConsumeCmd) Run(g *Globals) error {
	l, sync, err := g.logger()
	if err != nil {
		return err
	}
	defer sync()

	reset, err := kafka.ParseOffsetReset(cmd.From)
	if err != nil {
		return err
	}

	c, err := g.client(l, cmd.Topics...)
	if err != nil {
		return err
	}
	defer func() { _ = g.closeClient(c) }()

	opts := []consumer.Option{
		consumer.WithAutoOffsetReset(reset),
		consumer.WithPartitionEOF(
			func(tp kafka.TopicPartition, offset int64) {
				l.Info("reached end of partition", "partition", tp.String(), "offset", offset)
			},
		),
	}
	if cmd.Group != "" {
		// The runner commits what was printed.
		opts = append(opts, consumer.WithGroupID(cmd.Group), consumer.WithAutoCommit(false, 0))
	}
	cons, err := c.NewConsumer(opts...)
	if err != nil {
		return err
	}

	if cmd.Group != "" {
		err = cons.Subscribe(
			cmd.Topics, kafka.RebalanceFuncs{
				Assigned: func(tps []kafka.TopicPartition) { l.Info("partitions assigned", "partitions", tps) },
				Revoked:  func(tps []kafka.TopicPartition) { l.Info("partitions revoked", "partitions", tps) },
			},
		)
	} else {
		var tps []kafka.TopicPartition
		if tps, err = allPartitions(g.ctx, c.Metadata(), cmd.Topics); err == nil {
			err = cons.Assign(tps)
		}
	}
	if err != nil {
		return err
	}

	runOpts := []runner.Option{
		runner.WithLogger(l),
		runner.WithGroupID(cmd.Group),
		runner.WithCommit(cmd.Commit, 0),
		runner.WithErrorHandler(errorhandler.LogAndFail(l)),
	}
	if cmd.Group == "" {
		runOpts = append(runOpts, runner.WithNoCommit())
	}
	if cmd.DLQ != "" {
		dlq, err := c.NewProducer()
		if err != nil {
			return err
		}
		runOpts = append(
			runOpts,
			runner.WithDLQProducer(dlq),
			runner.WithErrorHandler(errorhandler.WithDLQ(cmd.DLQ, errorhandler.LogAndContinue(l))),
		)
	}

	ctx, cancel := context.WithCancel(g.ctx)
	defer cancel()

	out := bufio.NewWriter(os.Stdout)
	seen := 0
	printRecord := func(_ context.Context, r kafka.ConsumerRecord) error {
		if err := cmd.print(out, r); err != nil {
			return err
		}
		seen++
		if cmd.MaxRecords > 0 && seen >= cmd.MaxRecords {
			cancel()
		}
		return nil
	}

	err = runner.New(cons, printRecord, runOpts...).Run(ctx)
	l.Info("consumed", "records", seen)
	return err
}

// print flushes every record so output interleaves with the logs on a terminal.
func (cmd *ConsumeCmd) print(out *bufio.Writer, r kafka.ConsumerRecord) error {
	switch cmd.Format {
	case "kv":
		fmt.Fprintf(out, "%s\t%s\n", r.Key, r.Value)
	case "full":
		fmt.Fprintf(
			out, "%s-%d@%d\t%s\t%s\t%s\n", r.Topic, r.Partition, r.Offset, r.Timestamp.Format(time.RFC3339Nano),
			r.Key, r.Value,
		)
	default:
		fmt.Fprintf(out, "%s\n", r.Value)
	}
	return out.Flush()
}

func allPartitions(ctx context.Context, meta *metadata.Cache, topics []string) ([]kafka.TopicPartition, error) {
	var tps []kafka.TopicPartition
	for _, topic := range topics {
		t, err := meta.Resolve(ctx, topic)
		if err != nil {
			return nil, err
		}
		for _, p := range t.Partitions {
			tps = append(tps, kafka.TopicPartition{Topic: topic, Partition: p.ID})
		}
	}
	return tps, nil
}
