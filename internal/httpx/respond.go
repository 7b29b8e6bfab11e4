package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/go-food-orders/internal/orders"
	"github.com/ariefcatur/go-food-orders/internal/redisx"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(k orders.Kind) int {
	switch k {
	case orders.KindUnauthenticated:
		return http.StatusUnauthorized
	case orders.KindEmptyOrder, orders.KindInvalidInput:
		return http.StatusBadRequest
	case orders.KindInsufficientStock, orders.KindInvalidTransition:
		return http.StatusConflict
	case orders.KindNotFound:
		return http.StatusNotFound
	case orders.KindPartialRelease:
		return http.StatusAccepted
	case orders.KindTransient:
		return http.StatusServiceUnavailable
	case orders.KindMalformed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func errBody(err error) errorBody {
	if errors.Is(err, redisx.ErrRequestInFlight) {
		return errorBody{Kind: "request_in_flight", Message: err.Error()}
	}
	var e *orders.Error
	if errors.As(err, &e) {
		return errorBody{Kind: string(e.Kind), Message: e.Error()}
	}
	return errorBody{Kind: "internal", Message: "internal error"}
}

func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	code := statusFor(orders.KindOf(err))
	if errors.Is(err, redisx.ErrRequestInFlight) {
		code = http.StatusConflict
	}
	if code >= http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
	}
	writeJSON(w, code, map[string]any{"error": errBody(err)})
}

// decode reads a JSON body into v and runs struct validation.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return orders.InvalidInput("invalid json: %v", err)
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fe.Namespace()+" failed "+fe.Tag())
			}
			return orders.InvalidInput("%s", strings.Join(msgs, "; "))
		}
		return orders.InvalidInput("%v", err)
	}
	return nil
}

type lineResp struct {
	ProductID      string `json:"product_id"`
	Qty            int    `json:"qty"`
	UnitPrice      string `json:"unit_price"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Subtotal       string `json:"subtotal"`
}

type orderResp struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	BranchID     string     `json:"branch_id"`
	Status       string     `json:"status"`
	Total        string     `json:"total"`
	TotalCents   int64      `json:"total_cents"`
	DeliveryTime *time.Time `json:"delivery_time,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Items        []lineResp `json:"items"`
}

func toOrderResp(o orders.Order) orderResp {
	out := orderResp{
		ID:           o.ID,
		UserID:       o.UserID,
		BranchID:     o.BranchID,
		Status:       string(o.Status),
		Total:        o.TotalCents.String(),
		TotalCents:   int64(o.TotalCents),
		DeliveryTime: o.DeliveryTime,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.UpdatedAt,
		Items:        make([]lineResp, 0, len(o.Items)),
	}
	for _, it := range o.Items {
		out.Items = append(out.Items, lineResp{
			ProductID:      it.ProductID,
			Qty:            it.Qty,
			UnitPrice:      it.PriceCents.String(),
			UnitPriceCents: int64(it.PriceCents),
			Subtotal:       it.Subtotal().String(),
		})
	}
	return out
}

type cartResp struct {
	Items      []orders.CartItem `json:"items"`
	Total      string            `json:"total"`
	TotalCents int64             `json:"total_cents"`
	ItemCount  int               `json:"item_count"`
}

func toCartResp(c orders.Cart) cartResp {
	items := c.Items
	if items == nil {
		items = []orders.CartItem{}
	}
	return cartResp{Items: items, Total: c.Total().String(), TotalCents: int64(c.Total()), ItemCount: c.ItemCount()}
}

type branchResp struct {
	ID        string `json:"id"`
	Products  int    `json:"products"`
	Orderable int    `json:"orderable"`
}

type productResp struct {
	ID          string `json:"id"`
	BranchID    string `json:"branch_id"`
	Name        string `json:"name"`
	Price       string `json:"price"`
	PriceCents  int64  `json:"price_cents"`
	ImageURL    string `json:"image_url,omitempty"`
	Stock       int    `json:"stock"`
	IsAvailable bool   `json:"is_available"`
}

func toProductResp(p orders.BranchProduct) productResp {
	return productResp{
		ID:          p.ID,
		BranchID:    p.BranchID,
		Name:        p.Name,
		Price:       p.PriceCents.String(),
		PriceCents:  int64(p.PriceCents),
		ImageURL:    p.ImageURL,
		Stock:       p.Stock,
		IsAvailable: p.IsAvailable,
	}
}
