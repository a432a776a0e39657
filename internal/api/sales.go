package api

import (
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/order-pipeline/internal/domain/sales"
)

// DailyTotal serves the total of one day.
func (h *Handler) DailyTotal(w http.ResponseWriter, r *http.Request) {
	day, err := sales.ParseDate(r.PathValue("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	total, err := h.sales.Get(r.Context(), day)
	switch {
	case errors.Is(err, sales.ErrNotFound):
		writeError(w, http.StatusNotFound, "no sales on "+day.String())
		return
	case err != nil:
		internalError(w, r, "Get daily total", err)
		return
	}

	var e jx.Encoder
	encodeTotal(&e, total)
	writeJSON(w, http.StatusOK, &e)
}

// DailyTotals serves the days with sales in [from, to].
func (h *Handler) DailyTotals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := sales.ParseDate(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "from must be YYYY-MM-DD")
		return
	}
	to, err := sales.ParseDate(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "to must be YYYY-MM-DD")
		return
	}

	totals, err := h.sales.Range(r.Context(), from, to)
	switch {
	case errors.Is(err, sales.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		internalError(w, r, "Range daily totals", err)
		return
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("days")
	e.ArrStart()
	for i := range totals {
		encodeTotal(&e, &totals[i])
	}
	e.ArrEnd()
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}

func encodeTotal(e *jx.Encoder, t *sales.DailyTotalSales) {
	e.ObjStart()
	e.FieldStart("date")
	e.Str(t.Date.String())
	e.FieldStart("total")
	e.Num(jx.Num(t.Total.StringFixed(2)))
	e.FieldStart("orderCount")
	e.Int64(t.Count)
	if !t.UpdatedAt.IsZero() {
		e.FieldStart("updatedAt")
		e.Str(t.UpdatedAt.UTC().Format(time.RFC3339))
	}
	e.ObjEnd()
}
