// Command order-import publishes CreateOrder commands for every row of
// gzip-compressed CSV files (order_code,total_price[,order_date]).
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/go-faster/errors"

	"github.com/xenking/order-pipeline/internal/broker/rabbitmq"
	"github.com/xenking/order-pipeline/internal/gateway"
)

func main() {
	var (
		pattern string
		amqpURL string
		opts    importOptions
	)

	flag.StringVar(&pattern, "files", "data/orders*.csv.gz", "glob of gzip-compressed CSV files")
	flag.StringVar(&amqpURL, "amqp-url", "", "RabbitMQ URL (or AMQP_URL env)")
	flag.IntVar(&opts.Workers, "workers", 8, "concurrent publishers")
	flag.UintVar(&opts.ExpectedRows, "expected-rows", 10_000_000, "bloom filter capacity")
	flag.BoolVar(&opts.DryRun, "dry-run", false, "parse and deduplicate without publishing")
	flag.Parse()

	if amqpURL == "" {
		amqpURL = os.Getenv("AMQP_URL")
	}
	if amqpURL == "" && !opts.DryRun {
		slog.Error("broker URL is required: set --amqp-url or AMQP_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, pattern, amqpURL, opts); err != nil {
		slog.Error("order import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("order import completed successfully")
}

func run(ctx context.Context, pattern, amqpURL string, opts importOptions) error {
	files, err := filepath.Glob(pattern)
	if err != nil {
		return errors.Wrapf(err, "glob %s", pattern)
	}
	if len(files) == 0 {
		return errors.Errorf("no files match %s", pattern)
	}

	var sender CommandSender = discard{}
	if !opts.DryRun {
		b, err := rabbitmq.Dial(ctx, rabbitmq.Config{URL: amqpURL, ConnectionName: "order-import"})
		if err != nil {
			return errors.Wrap(err, "connect broker")
		}
		defer func() { _ = b.Close() }()
		sender = gateway.New(b)
	}

	stats, err := importFiles(ctx, files, sender, opts)
	if err != nil {
		return err
	}
	slog.Info("import summary",
		slog.Int64("published", stats.Published),
		slog.Int64("duplicates", stats.Duplicates),
		slog.Int64("invalid", stats.Invalid),
	)
	return nil
}
