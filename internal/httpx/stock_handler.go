package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	"github.com/ariefcatur/go-storefront-orders/internal/logx"
	"github.com/ariefcatur/go-storefront-orders/internal/redisx"
	"github.com/ariefcatur/go-storefront-orders/internal/stock"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ProductReader interface {
	Get(ctx context.Context, id string) (inventory.Product, error)
}

type StockSubscriber interface {
	Subscribe(ctx context.Context, productID string) (*redisx.Subscription, error)
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origin dicek di gateway
	CheckOrigin: func(*http.Request) bool { return true },
}

type StockHandler struct {
	Products ProductReader
	Live     StockSubscriber
	Log      *zap.Logger
	Timeout  time.Duration
}

func (h *StockHandler) Register(r chi.Router) {
	r.Get("/products/{id}/stock", h.current)
	r.Get("/products/{id}/stock/live", h.live)
}

func (h *StockHandler) current(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r, h.Timeout)
	defer cancel()

	p, err := h.Products.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, stock.NewSnapshot(p.ID, p.Stock, p.UpdatedAt))
}

// live sends the current snapshot, then every change published for the product
// until the client goes away.
func (h *StockHandler) live(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	lookup, cancelLookup := withTimeout(r, h.Timeout)
	p, err := h.Products.Get(lookup, id)
	cancelLookup()
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// subscribe sebelum kirim snapshot awal supaya tidak ada perubahan yang terlewat
	sub, err := h.Live.Subscribe(ctx, id)
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log().Warn("websocket upgrade", zap.String("product_id", id), zap.Error(err))
		return
	}
	defer conn.Close()

	go readPump(conn, cancel)

	if err := writeSnapshot(conn, stock.NewSnapshot(p.ID, p.Stock, p.UpdatedAt)); err != nil {
		return
	}
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case snap, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			if err := writeSnapshot(conn, snap); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeSnapshot(conn *websocket.Conn, snap stock.Snapshot) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(snap)
}

// readPump only watches for pongs and the client closing.
func readPump(conn *websocket.Conn, done context.CancelFunc) {
	defer done()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *StockHandler) log() *zap.Logger { return logx.OrNop(h.Log) }
