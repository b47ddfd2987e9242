package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/logx"
	"github.com/ariefcatur/go-storefront-orders/internal/membership"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type MembershipReader interface {
	Summary(ctx context.Context, userID string) (membership.Summary, error)
}

type MembershipHandler struct {
	Members MembershipReader
	Log     *zap.Logger
	Timeout time.Duration
}

func (h *MembershipHandler) Register(r chi.Router) {
	r.Get("/users/{id}/membership", h.summary)
}

func (h *MembershipHandler) summary(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r, h.Timeout)
	defer cancel()

	sum, err := h.Members.Summary(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, logx.OrNop(h.Log), err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
