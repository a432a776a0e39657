// Package api is the HTTP surface of the pipeline: it accepts order commands
// and serves stored orders and daily sales totals.
package api

import (
	"context"
	"net/http"

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/order-pipeline/internal/domain/order"
	"github.com/xenking/order-pipeline/internal/domain/sales"
)

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

// CommandSender enqueues order commands.
type CommandSender interface {
	SendCreateOrder(ctx context.Context, cmd order.CreateOrderCommand) (messageID string, err error)
}

// OrderReader looks up stored orders.
type OrderReader interface {
	GetByCode(ctx context.Context, code string) (*order.Order, error)
}

// SalesReader reads aggregated daily totals.
type SalesReader interface {
	Get(ctx context.Context, d sales.Date) (*sales.DailyTotalSales, error)
	Range(ctx context.Context, from, to sales.Date) ([]sales.DailyTotalSales, error)
}

// Handler serves the HTTP API.
type Handler struct {
	commands CommandSender
	orders   OrderReader
	sales    SalesReader
}

// NewHandler creates a Handler.
func NewHandler(commands CommandSender, orders OrderReader, sales SalesReader) *Handler {
	return &Handler{commands: commands, orders: orders, sales: sales}
}

// Routes returns the API routes.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/orders", h.CreateOrder)
	mux.HandleFunc("GET /api/orders/{code}", h.GetOrder)
	mux.HandleFunc("GET /api/sales/daily/{date}", h.DailyTotal)
	mux.HandleFunc("GET /api/sales/daily", h.DailyTotals)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, e *jx.Encoder) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("code")
	e.Int(status)
	e.FieldStart("message")
	e.Str(msg)
	e.ObjEnd()
	writeJSON(w, status, &e)
}

func internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	zctx.From(r.Context()).Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}
