package httpx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/logx"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// AdminService is the console part of *orders.Service.
type AdminService interface {
	List(ctx context.Context, f orders.Filter) ([]orders.Summary, error)
	UpdateStatuses(ctx context.Context, ids []string, to orders.Status, actor orders.Actor, note string) ([]orders.Result, error)
	UpdateMemo(ctx context.Context, id, memo string, actor orders.Actor) error
	Delete(ctx context.Context, id string, actor orders.Actor) error
	ExportCSV(ctx context.Context, w io.Writer, f orders.Filter) error
}

type AdminHandler struct {
	Orders  AdminService
	Log     *zap.Logger
	Timeout time.Duration
	// ExportTimeout bounds the CSV export, which pages through every match.
	ExportTimeout time.Duration
}

type BatchStatusReq struct {
	OrderIDs []string      `json:"order_ids"`
	Status   orders.Status `json:"status"`
	Note     string        `json:"note"`
}

type BatchStatusItem struct {
	OrderID string        `json:"order_id"`
	OK      bool          `json:"ok"`
	Changed bool          `json:"changed"`
	From    orders.Status `json:"from,omitempty"`
	To      orders.Status `json:"to,omitempty"`
	Error   *ErrorBody    `json:"error,omitempty"`
}

type BatchStatusResp struct {
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Results   []BatchStatusItem `json:"results"`
}

type memoReq struct {
	Memo string `json:"memo"`
}

func (h *AdminHandler) Register(r chi.Router) {
	r.Route("/admin/orders", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/export.csv", h.export)
		r.Post("/status", h.batchStatus)
		r.Patch("/{id}/memo", h.memo)
		r.Delete("/{id}", h.delete)
	})
}

func (h *AdminHandler) list(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	ctx, cancel := withTimeout(r, h.Timeout)
	defer cancel()

	rows, err := h.Orders.List(ctx, f)
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *AdminHandler) export(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	d := h.ExportTimeout
	if d <= 0 {
		d = time.Minute
	}
	ctx, cancel := withTimeout(r, d)
	defer cancel()

	var buf bytes.Buffer
	if err := h.Orders.ExportCSV(ctx, &buf, f); err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="orders-%s.csv"`, time.Now().Format("20060102")))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (h *AdminHandler) batchStatus(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if actor.ID == "" {
		badRequest(w, "missing X-Actor-Id")
		return
	}
	var req BatchStatusReq
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	ctx, cancel := withTimeout(r, h.Timeout)
	defer cancel()

	results, err := h.Orders.UpdateStatuses(ctx, req.OrderIDs, req.Status, actor, req.Note)
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	resp := BatchStatusResp{Results: make([]BatchStatusItem, 0, len(results))}
	for _, res := range results {
		item := BatchStatusItem{OrderID: res.OrderID}
		if res.Err != nil {
			_, body := errorBody(res.Err)
			item.Error = &body
			resp.Failed++
		} else {
			item.OK, item.Changed = true, res.Change.Changed
			item.From, item.To = res.Change.From, res.Change.To
			resp.Succeeded++
		}
		resp.Results = append(resp.Results, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) memo(w http.ResponseWriter, r *http.Request) {
	var req memoReq
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	ctx, cancel := withTimeout(r, h.Timeout)
	defer cancel()

	if err := h.Orders.UpdateMemo(ctx, chi.URLParam(r, "id"), req.Memo, actorFrom(r)); err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) delete(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if actor.ID == "" {
		badRequest(w, "missing X-Actor-Id")
		return
	}
	ctx, cancel := withTimeout(r, h.Timeout)
	defer cancel()

	if err := h.Orders.Delete(ctx, chi.URLParam(r, "id"), actor); err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) log() *zap.Logger { return logx.OrNop(h.Log) }

// parseFilter reads status, user, from, to, sort, limit and offset. Dates accept
// RFC3339 or YYYY-MM-DD; a bare "to" date covers the whole day.
func parseFilter(r *http.Request) (orders.Filter, error) {
	q := r.URL.Query()
	f := orders.Filter{
		Status: orders.Status(q.Get("status")),
		UserID: q.Get("user"),
		Asc:    q.Get("sort") == "asc",
	}
	var err error
	if f.From, err = parseTime(q.Get("from"), false); err != nil {
		return f, fmt.Errorf("invalid from: %w", err)
	}
	if f.To, err = parseTime(q.Get("to"), true); err != nil {
		return f, fmt.Errorf("invalid to: %w", err)
	}
	if f.Limit, err = parseInt(q.Get("limit")); err != nil {
		return f, fmt.Errorf("invalid limit: %w", err)
	}
	if f.Offset, err = parseInt(q.Get("offset")); err != nil {
		return f, fmt.Errorf("invalid offset: %w", err)
	}
	return f, nil
}

func parseTime(s string, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func parseInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err == nil && n < 0 {
		return 0, fmt.Errorf("negative value %d", n)
	}
	return n, err
}
