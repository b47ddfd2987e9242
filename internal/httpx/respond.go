package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/stock"
	"go.uber.org/zap"
)

// ErrorBody is the JSON error shape of every route.
type ErrorBody struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Shortfalls []stock.Shortfall `json:"shortfalls,omitempty"`
}

type errorRule struct {
	target  error
	status  int
	code    string
	message string
}

// urutan penting: ErrPersistence bisa membungkus error lain
var errorRules = []errorRule{
	{orders.ErrPersistence, http.StatusInternalServerError, "internal", "일시적인 오류가 발생했습니다. 잠시 후 다시 시도해 주세요."},
	{orders.ErrInvalidInput, http.StatusBadRequest, "invalid_input", "요청 값이 올바르지 않습니다."},
	{orders.ErrInsufficientStock, http.StatusConflict, "insufficient_stock", "재고가 부족합니다."},
	{orders.ErrProductNotFound, http.StatusNotFound, "product_not_found", "상품을 찾을 수 없습니다."},
	{inventory.ErrNotFound, http.StatusNotFound, "product_not_found", "상품을 찾을 수 없습니다."},
	{orders.ErrOrderNotFound, http.StatusNotFound, "order_not_found", "주문을 찾을 수 없습니다."},
	{orders.ErrInvalidTransition, http.StatusConflict, "invalid_transition", "현재 주문 상태에서는 변경할 수 없습니다."},
	{orders.ErrCouponNotApplicable, http.StatusUnprocessableEntity, "coupon_not_applicable", "사용할 수 없는 쿠폰입니다."},
	{orders.ErrPriceChanged, http.StatusConflict, "price_changed", "상품 가격이 변경되었습니다. 다시 확인해 주세요."},
	{orders.ErrForbidden, http.StatusForbidden, "forbidden", "권한이 없습니다."},
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody maps err to a status and body. Unknown errors are 500s.
func errorBody(err error) (int, ErrorBody) {
	for _, r := range errorRules {
		if errors.Is(err, r.target) {
			body := ErrorBody{Code: r.code, Message: r.message}
			var short *stock.ShortageError
			if errors.As(err, &short) {
				body.Shortfalls = short.Shortfalls
			}
			return r.status, body
		}
	}
	return http.StatusInternalServerError, ErrorBody{Code: "internal", Message: errorRules[0].message}
}

func writeError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	status, body := errorBody(err)
	fields := []zap.Field{zap.String("path", r.URL.Path), zap.String("code", body.Code), zap.Error(err)}
	if status >= http.StatusInternalServerError {
		log.Error("request failed", fields...)
	} else {
		log.Debug("request rejected", fields...)
	}
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorBody{Code: "invalid_input", Message: msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}

// actorFrom reads the identity the gateway forwards.
func actorFrom(r *http.Request) orders.Actor {
	a := orders.Actor{ID: r.Header.Get("X-Actor-Id"), Name: r.Header.Get("X-Actor-Name")}
	if a.Name == "" {
		a.Name = "admin"
	}
	return a
}
