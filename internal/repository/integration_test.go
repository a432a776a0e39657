//go:build integration

package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/order-pipeline/internal/domain/order"
	"github.com/xenking/order-pipeline/internal/domain/sales"
)

func startPostgres(t *testing.T) *DB {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "orders",
				"POSTGRES_PASSWORD": "orders",
				"POSTGRES_DB":       "orders",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	pool, err := NewPool(ctx, fmt.Sprintf("postgres://orders:orders@%s:%s/orders?sslmode=disable", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, RunMigrations(ctx, pool))
	// Applying the schema twice must be harmless.
	require.NoError(t, RunMigrations(ctx, pool))
	return NewDB(pool, DefaultRetryConfig())
}

func TestPostgres(t *testing.T) {
	d := startPostgres(t)
	ctx := context.Background()
	jan1 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	t.Run("orders", func(t *testing.T) {
		repo := NewOrderRepository(d)
		o := &order.Order{
			OrderCode:      "A1",
			OrderDate:      jan1,
			TotalPrice:     decimal.RequireFromString("10.00"),
			IdempotencyKey: "k1",
		}

		stored, created, err := repo.Create(ctx, o)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Positive(t, stored.ID)

		again, created, err := repo.Create(ctx, o)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, stored.ID, again.ID)
		assert.True(t, o.TotalPrice.Equal(again.TotalPrice))

		dup := *o
		dup.IdempotencyKey = "k2"
		_, _, err = repo.Create(ctx, &dup)
		require.ErrorIs(t, err, order.ErrDuplicateOrderCode)

		got, err := repo.GetByCode(ctx, "A1")
		require.NoError(t, err)
		assert.True(t, jan1.Equal(got.OrderDate))

		_, err = repo.GetByCode(ctx, "missing")
		require.ErrorIs(t, err, order.ErrNotFound)
	})

	t.Run("concurrent contributions", func(t *testing.T) {
		repo := NewSalesRepository(d)

		const n = 50
		var wg sync.WaitGroup
		for i := range n * 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.ApplyContribution(ctx, sales.Contribution{
					OrderID:    int64(i%n + 1000),
					OrderDate:  jan1,
					TotalPrice: decimal.RequireFromString("1.25"),
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := repo.Get(ctx, sales.Day(jan1))
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("62.50").Equal(got.Total), got.Total.String())
		assert.EqualValues(t, n, got.Count)

		all, err := repo.Range(ctx, sales.Day(jan1).AddDays(-1), sales.Day(jan1).AddDays(1))
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, sales.Day(jan1), all[0].Date)

		_, err = repo.Get(ctx, sales.Day(jan1).AddDays(1))
		require.ErrorIs(t, err, sales.ErrNotFound)
	})
}
