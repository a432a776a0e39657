package main

import (
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/order-pipeline/internal/domain/order"
)

const (
	bloomFPR      = 0.001
	progressEvery = 100_000
	keyPrefix     = "import:"
)

// CommandSender enqueues order commands.
type CommandSender interface {
	SendCreateOrder(ctx context.Context, cmd order.CreateOrderCommand) (string, error)
}

type discard struct{}

func (discard) SendCreateOrder(context.Context, order.CreateOrderCommand) (string, error) {
	return "", nil
}

type importOptions struct {
	Workers      int
	ExpectedRows uint
	DryRun       bool
}

type importStats struct {
	Published  int64
	Duplicates int64
	Invalid    int64
}

// importFiles publishes one command per distinct order code.
//
// Pass 1 adds every code to a bloom filter and records the codes the filter
// had already seen. Only those can be duplicates, so pass 2 tracks exactly
// that small set and a false positive never drops a row.
func importFiles(ctx context.Context, files []string, sender CommandSender, opts importOptions) (importStats, error) {
	var stats importStats

	slog.Info("pass 1: finding duplicate candidates", slog.Int("files", len(files)))
	candidates, err := findDuplicateCandidates(ctx, files, opts.ExpectedRows)
	if err != nil {
		return stats, errors.Wrap(err, "find duplicates")
	}
	slog.Info("pass 1 complete", slog.Int("candidates", len(candidates)))

	slog.Info("pass 2: publishing commands")
	var (
		published  atomic.Int64
		mu         sync.Mutex
		emitted    = make(map[string]struct{}, len(candidates))
		duplicates int64
		invalid    int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Workers, 1))
	for _, path := range files {
		err := streamRows(gctx, path, func(line int, rec []string) error {
			cmd, err := parseRecord(rec)
			if err != nil {
				invalid++
				slog.Warn("skipping row", slog.String("file", path), slog.Int("line", line), slog.String("error", err.Error()))
				return nil
			}
			if _, maybe := candidates[cmd.OrderCode]; maybe {
				mu.Lock()
				_, dup := emitted[cmd.OrderCode]
				emitted[cmd.OrderCode] = struct{}{}
				mu.Unlock()
				if dup {
					duplicates++
					return nil
				}
			}

			g.Go(func() error {
				if _, err := sender.SendCreateOrder(gctx, cmd); err != nil {
					return errors.Wrapf(err, "send %s", cmd.OrderCode)
				}
				if n := published.Add(1); n%progressEvery == 0 {
					slog.Info("pass 2 progress", slog.Int64("published", n))
				}
				return nil
			})
			return nil
		})
		if err != nil {
			if werr := g.Wait(); werr != nil {
				return stats, werr
			}
			return stats, err
		}
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	stats.Published = published.Load()
	stats.Duplicates = duplicates
	stats.Invalid = invalid
	return stats, nil
}

func findDuplicateCandidates(ctx context.Context, files []string, expected uint) (map[string]struct{}, error) {
	filter := bloom.NewWithEstimates(max(expected, 1), bloomFPR)
	candidates := make(map[string]struct{})

	for _, path := range files {
		err := streamRows(ctx, path, func(_ int, rec []string) error {
			code := strings.TrimSpace(rec[0])
			if code == "" {
				return nil
			}
			if filter.TestOrAddString(code) {
				candidates[code] = struct{}{}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return candidates, nil
}

// streamRows calls fn for each data row of a gzip-compressed CSV file. A
// leading header row is skipped.
func streamRows(ctx context.Context, path string, fn func(line int, rec []string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	r := csv.NewReader(gz)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	for line := 1; ; line++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "read %s", path)
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "order_code") {
			continue
		}
		if err := fn(line, rec); err != nil {
			return err
		}
	}
}

// parseRecord maps order_code,total_price[,order_date] to a command keyed by
// the order code, so importing the same file twice creates nothing new.
func parseRecord(rec []string) (order.CreateOrderCommand, error) {
	if len(rec) < 2 {
		return order.CreateOrderCommand{}, errors.Errorf("want at least 2 fields, got %d", len(rec))
	}
	code := strings.TrimSpace(rec[0])
	if code == "" {
		return order.CreateOrderCommand{}, errors.New("empty order code")
	}
	price, err := decimal.NewFromString(strings.TrimSpace(rec[1]))
	if err != nil {
		return order.CreateOrderCommand{}, errors.Wrap(err, "total price")
	}

	cmd := order.CreateOrderCommand{
		OrderCode:      code,
		TotalPrice:     price,
		IdempotencyKey: keyPrefix + code,
	}
	if len(rec) > 2 && strings.TrimSpace(rec[2]) != "" {
		t, err := parseOrderDate(strings.TrimSpace(rec[2]))
		if err != nil {
			return order.CreateOrderCommand{}, err
		}
		cmd.OrderDate = &t
	}
	return cmd, nil
}

func parseOrderDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "order date %q", s)
	}
	return t, nil
}
