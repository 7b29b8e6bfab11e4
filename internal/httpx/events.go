package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ariefcatur/go-food-orders/internal/orders"
	"go.uber.org/zap"
)

const heartbeatEvery = 15 * time.Second

type statusEvent struct {
	OrderID   string    `json:"order_id"`
	From      string    `json:"from,omitempty"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// orderEvents streams status changes of one order as server-sent events.
// The first event is the current status; the stream ends after a terminal status.
func (a *API) orderEvents(w http.ResponseWriter, r *http.Request) {
	o, err := a.ownedOrder(r)
	if err != nil {
		writeError(w, a.Log, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, a.Log, fmt.Errorf("streaming unsupported"))
		return
	}

	// subscribe before sending the snapshot so no change falls in between
	ch := make(chan orders.StatusChange, 16)
	unsubscribe := a.Hub.Subscribe(o.ID, func(c orders.StatusChange) {
		select {
		case ch <- c:
		default:
			a.Log.Warn("dropping status event for slow subscriber", zap.String("order_id", c.OrderID))
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	last := o.UpdatedAt
	if err := writeEvent(w, statusEvent{OrderID: o.ID, Status: string(o.Status), UpdatedAt: o.UpdatedAt}); err != nil {
		return
	}
	flusher.Flush()
	if o.Status.Terminal() {
		return
	}

	tick := time.NewTicker(heartbeatEvery)
	defer tick.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case c := <-ch:
			if !c.UpdatedAt.After(last) {
				continue
			}
			last = c.UpdatedAt
			if err := writeEvent(w, statusEvent{OrderID: c.OrderID, From: string(c.From), Status: string(c.To), UpdatedAt: c.UpdatedAt}); err != nil {
				return
			}
			flusher.Flush()
			if c.To.Terminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev statusEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: status\ndata: %s\n\n", b)
	return err
}
