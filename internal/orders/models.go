package orders

import "time"

type Product struct {
	ID         string
	Name       string
	PriceCents Cents
	ImageURL   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// BranchProduct is a catalog entry as offered by one branch.
type BranchProduct struct {
	Product
	BranchID    string
	Stock       int
	IsAvailable bool
}

// Branch summarizes what one branch offers. Branches exist only through the
// products assigned to them.
type Branch struct {
	ID       string
	Products int
	// assigned, available and with stock left
	Orderable int
}

type Order struct {
	ID           string
	UserID       string
	BranchID     string
	Status       Status // lihat status.go
	TotalCents   Cents
	DeliveryTime *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Items        []LineItem
}

// LineItem is immutable once persisted; PriceCents is the price locked at order time.
type LineItem struct {
	OrderID    string
	ProductID  string
	Qty        int
	PriceCents Cents
}

func (l LineItem) Subtotal() Cents { return l.PriceCents * Cents(l.Qty) }

// StockRequests converts the order's lines into ledger requests for its branch.
func (o Order) StockRequests() []StockRequest {
	out := make([]StockRequest, 0, len(o.Items))
	for _, it := range o.Items {
		out = append(out, StockRequest{ProductID: it.ProductID, BranchID: o.BranchID, Qty: it.Qty})
	}
	return out
}

// StockRequest asks the ledger about Qty units of a product at a branch.
type StockRequest struct {
	ProductID string `json:"product_id"`
	BranchID  string `json:"branch_id"`
	Qty       int    `json:"qty"`
}

type InventoryRecord struct {
	ProductID   string
	BranchID    string
	Stock       int
	IsAvailable bool
	UpdatedAt   time.Time
}

// CartItem is the client-side snapshot of a product the user intends to order.
type CartItem struct {
	ProductID  string `json:"product_id"`
	BranchID   string `json:"branch_id"`
	Name       string `json:"name"`
	PriceCents Cents  `json:"price_cents"`
	ImageURL   string `json:"image_url,omitempty"`
	Qty        int    `json:"qty"`
}

type Cart struct {
	Items []CartItem `json:"items"`
}

func (c Cart) Total() Cents {
	var t Cents
	for _, it := range c.Items {
		t += it.PriceCents * Cents(it.Qty)
	}
	return t
}

func (c Cart) ItemCount() int {
	n := 0
	for _, it := range c.Items {
		n += it.Qty
	}
	return n
}

// StatusChange is what subscribers receive after an order row changes.
type StatusChange struct {
	OrderID   string
	UserID    string
	BranchID  string
	From      Status
	To        Status
	UpdatedAt time.Time
}
