package orders

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies workflow failures so callers can pick a message without parsing strings.
type Kind string

const (
	KindUnauthenticated   Kind = "unauthenticated"
	KindEmptyOrder        Kind = "empty_order"
	KindInvalidInput      Kind = "invalid_input"
	KindInsufficientStock Kind = "insufficient_stock"
	KindInvalidTransition Kind = "invalid_state_transition"
	KindNotFound          Kind = "not_found"
	KindPartialRelease    Kind = "partial_release_failure"
	KindTransient         Kind = "transient_failure"
	KindMalformed         Kind = "malformed"
)

type Error struct {
	Kind      Kind
	Msg       string
	ProductID string         // set for insufficient stock
	Failed    []StockRequest // set for partial release
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrUnauthenticated   = &Error{Kind: KindUnauthenticated, Msg: "no authenticated user"}
	ErrEmptyOrder        = &Error{Kind: KindEmptyOrder, Msg: "order has no items"}
	ErrInvalidInput      = &Error{Kind: KindInvalidInput, Msg: "invalid input"}
	ErrInsufficientStock = &Error{Kind: KindInsufficientStock, Msg: "insufficient stock"}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition, Msg: "invalid state transition"}
	ErrNotFound          = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrPartialRelease    = &Error{Kind: KindPartialRelease, Msg: "stock release incomplete"}
	ErrTransient         = &Error{Kind: KindTransient, Msg: "remote call did not complete"}
	ErrMalformed         = &Error{Kind: KindMalformed, Msg: "malformed record"}
)

// KindOf returns the Kind of the first *Error in err's chain, or "" when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func InvalidInput(format string, args ...any) error {
	return &Error{Kind: KindInvalidInput, Msg: fmt.Sprintf(format, args...)}
}

func InsufficientStock(productID string, requested, available int) error {
	return &Error{
		Kind:      KindInsufficientStock,
		Msg:       fmt.Sprintf("insufficient stock for product %s (requested %d, available %d)", productID, requested, available),
		ProductID: productID,
	}
}

func InvalidTransition(from, to Status) error {
	return &Error{Kind: KindInvalidTransition, Msg: fmt.Sprintf("cannot move order from %s to %s", from, to)}
}

func NotFound(what, id string) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf("%s %s not found", what, id)}
}

func Malformed(what, value string) error {
	return &Error{Kind: KindMalformed, Msg: fmt.Sprintf("malformed %s %q", what, value)}
}

// PartialRelease reports the items whose stock could not be restored.
func PartialRelease(orderID string, failed []StockRequest, err error) error {
	ids := make([]string, 0, len(failed))
	for _, f := range failed {
		ids = append(ids, f.ProductID)
	}
	return &Error{
		Kind:   KindPartialRelease,
		Msg:    fmt.Sprintf("order %s: stock release failed for products [%s]", orderID, strings.Join(ids, ", ")),
		Failed: failed,
		Err:    err,
	}
}

func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Msg: op + " did not complete", Err: err}
}
