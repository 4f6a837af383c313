// Command pubsub produces lines from stdin to a topic or prints the records
// of a topic to stdout.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	pubsub "github.com/hugolhafner/go-pubsub"
	"github.com/hugolhafner/go-pubsub/logger"
	"github.com/hugolhafner/go-pubsub/plugins/zaplogger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Globals struct {
	Config   kong.ConfigFlag `help:"Path to a YAML file of flag values." type:"existingfile"`
	Brokers  []string        `help:"Seed brokers as host:port." default:"localhost:9092" env:"PUBSUB_BROKERS"`
	ClientID string          `help:"Client id sent to the brokers." default:"pubsub-cli"`
	LogLevel string          `help:"Log level." default:"info" enum:"debug,info,warn,error"`
	Timeout  time.Duration   `help:"How long to wait when connecting and closing." default:"10s"`

	ctx context.Context
}

var cli struct {
	Globals

	Produce ProduceCmd `cmd:"" help:"Send one record per line read from stdin."`
	Consume ConsumeCmd `cmd:"" help:"Print records to stdout until interrupted."`
}

func main() {
	kctx := kong.Parse(
		&cli,
		kong.Name("pubsub"),
		kong.Description("Produce to and consume from Kafka compatible brokers."),
		kong.Configuration(YAMLLoader),
		kong.UsageOnError(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		// A second signal kills the process.
		<-ctx.Done()
		stop()
	}()
	cli.Globals.ctx = ctx

	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

func (g *Globals) logger() (logger.Logger, func(), error) {
	level, err := zapcore.ParseLevel(g.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	zl, err := cfg.Build()
	if err != nil {
		return nil, nil, err
	}
	return zaplogger.New(zl), func() { _ = zl.Sync() }, nil
}

// client builds a client and pings the brokers for topics.
func (g *Globals) client(l logger.Logger, topics ...string) (*pubsub.Client, error) {
	c, err := pubsub.NewClient(g.Brokers, pubsub.WithClientID(g.ClientID), pubsub.WithLogger(l))
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(g.ctx, g.Timeout)
	defer cancel()
	if err := c.Ping(pingCtx, topics...); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}
	return c, nil
}

func (g *Globals) closeClient(c *pubsub.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), g.Timeout)
	defer cancel()
	return c.Close(ctx)
}
