package api

import (
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/order-pipeline/internal/domain/order"
)

// CreateOrder enqueues a CreateOrderCommand and answers 202 with the message
// id. Only the request shape is checked here; content errors surface on the
// command queue.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	cmd, err := decodeCreateOrder(jx.Decode(http.MaxBytesReader(w, r.Body, maxBodySize), 4096))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.commands.SendCreateOrder(r.Context(), cmd)
	if err != nil {
		zctx.From(r.Context()).Error("Send create order command", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "order queue unavailable")
		return
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("messageId")
	e.Str(id)
	e.ObjEnd()
	writeJSON(w, http.StatusAccepted, &e)
}

// GetOrder serves an order by its code. Orders appear once the command queue
// has processed the CreateOrderCommand.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	o, err := h.orders.GetByCode(r.Context(), code)
	switch {
	case errors.Is(err, order.ErrNotFound):
		writeError(w, http.StatusNotFound, "order "+code+" not found")
		return
	case err != nil:
		internalError(w, r, "Get order", err)
		return
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("id")
	e.Int64(o.ID)
	e.FieldStart("orderCode")
	e.Str(o.OrderCode)
	e.FieldStart("orderDate")
	e.Str(o.OrderDate.UTC().Format(time.RFC3339))
	e.FieldStart("totalPrice")
	e.Num(jx.Num(o.TotalPrice.StringFixed(2)))
	if !o.CreatedAt.IsZero() {
		e.FieldStart("createdAt")
		e.Str(o.CreatedAt.UTC().Format(time.RFC3339))
	}
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}

func decodeCreateOrder(d *jx.Decoder) (order.CreateOrderCommand, error) {
	var (
		cmd      order.CreateOrderCommand
		hasCode  bool
		hasPrice bool
	)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "orderCode":
			s, err := d.Str()
			if err != nil {
				return errors.Wrap(err, "orderCode")
			}
			cmd.OrderCode, hasCode = s, true
		case "totalPrice":
			p, err := decodePrice(d)
			if err != nil {
				return errors.Wrap(err, "totalPrice")
			}
			cmd.TotalPrice, hasPrice = p, true
		case "idempotencyKey":
			s, err := d.Str()
			if err != nil {
				return errors.Wrap(err, "idempotencyKey")
			}
			cmd.IdempotencyKey = s
		case "orderDate":
			s, err := d.Str()
			if err != nil {
				return errors.Wrap(err, "orderDate")
			}
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return errors.Wrap(err, "orderDate")
			}
			cmd.OrderDate = &t
		default:
			return d.Skip()
		}
		return nil
	})
	switch {
	case err != nil:
		return cmd, errors.Wrap(err, "invalid body")
	case !hasCode:
		return cmd, errors.New("orderCode is required")
	case !hasPrice:
		return cmd, errors.New("totalPrice is required")
	}
	return cmd, nil
}

// decodePrice accepts a JSON number or a numeric string.
func decodePrice(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(n.String())
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		return decimal.NewFromString(s)
	default:
		return decimal.Decimal{}, errors.New("must be a number")
	}
}
