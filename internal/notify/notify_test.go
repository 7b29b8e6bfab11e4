package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kafkax "github.com/ariefcatur/go-food-orders/internal/kafka"
	"github.com/ariefcatur/go-food-orders/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
)

func TestHubDeliversToOrderSubscribersOnly(t *testing.T) {
	h := NewHub()
	var mu sync.Mutex
	got := map[string][]orders.Status{}
	record := func(name string) Handler {
		return func(c orders.StatusChange) {
			mu.Lock()
			defer mu.Unlock()
			got[name] = append(got[name], c.To)
		}
	}

	unsubA := h.Subscribe("o1", record("a"))
	h.Subscribe("o1", record("b"))
	h.Subscribe("o2", record("c"))

	ctx := context.Background()
	_ = h.Publish(ctx, orders.StatusChange{OrderID: "o1", To: orders.StatusCooking})
	unsubA()
	unsubA()
	_ = h.Publish(ctx, orders.StatusChange{OrderID: "o1", To: orders.StatusReady})

	if len(got["a"]) != 1 || len(got["b"]) != 2 || len(got["c"]) != 0 {
		t.Fatalf("unexpected deliveries: %+v", got)
	}
	if h.Subscribers("o1") != 1 || h.Subscribers("o2") != 1 {
		t.Fatalf("subscriber counts: o1=%d o2=%d", h.Subscribers("o1"), h.Subscribers("o2"))
	}
}

func TestHubUnsubscribeFromHandler(t *testing.T) {
	h := NewHub()
	calls := 0
	var unsub func()
	unsub = h.Subscribe("o1", func(orders.StatusChange) {
		calls++
		unsub()
	})
	_ = h.Publish(context.Background(), orders.StatusChange{OrderID: "o1"})
	_ = h.Publish(context.Background(), orders.StatusChange{OrderID: "o1"})
	if calls != 1 || h.Subscribers("o1") != 0 {
		t.Fatalf("calls=%d subs=%d", calls, h.Subscribers("o1"))
	}
}

type recordingPublisher struct {
	key, value []byte
	headers    []kafkago.Header
	err        error
}

func (r *recordingPublisher) Publish(_ context.Context, key, value []byte, headers ...kafkago.Header) error {
	r.key, r.value, r.headers = key, value, headers
	return r.err
}

func TestStatusPublisherThroughBridge(t *testing.T) {
	rec := &recordingPublisher{}
	pub := &StatusPublisher{P: rec, Producer: "order-api"}
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	change := orders.StatusChange{OrderID: "o1", UserID: "u1", BranchID: "b1", From: orders.StatusPending, To: orders.StatusCooking, UpdatedAt: at}

	if err := pub.Publish(context.Background(), change); err != nil {
		t.Fatal(err)
	}
	if string(rec.key) != "o1" || string(rec.headers[0].Value) != orders.EventOrderStatusChanged {
		t.Fatalf("unexpected message: key=%s headers=%+v", rec.key, rec.headers)
	}

	hub := NewHub()
	var seen orders.StatusChange
	hub.Subscribe("o1", func(c orders.StatusChange) { seen = c })
	bridge := &Bridge{Target: hub}
	if err := bridge.Handle(context.Background(), kafkago.Message{Value: rec.value}); err != nil {
		t.Fatal(err)
	}
	if seen.OrderID != "o1" || seen.From != change.From || seen.To != change.To || !seen.UpdatedAt.Equal(at) {
		t.Fatalf("bridge delivered %+v, want %+v", seen, change)
	}
}

func TestBridgeRejectsGarbageAndIgnoresOtherEvents(t *testing.T) {
	b := &Bridge{Target: NewHub()}
	if err := b.Handle(context.Background(), kafkago.Message{Value: []byte("{")}); !errors.Is(err, orders.ErrMalformed) {
		t.Fatalf("want malformed, got %v", err)
	}
	env, _ := kafkax.NewEnvelope(orders.EventReleaseFailed, "x", "o1", orders.ReleaseFailedPayload{OrderID: "o1"})
	if err := b.Handle(context.Background(), kafkago.Message{Value: kafkax.MustMarshal(env)}); err != nil {
		t.Fatalf("other event types are skipped, got %v", err)
	}
}

func TestReleaseQueueEnvelope(t *testing.T) {
	rec := &recordingPublisher{}
	q := &ReleaseQueue{P: rec, Producer: "order-api"}
	items := []orders.StockRequest{{ProductID: "p1", BranchID: "b1", Qty: 2}}
	if err := q.EnqueueRelease(context.Background(), "o1", items, "timeout"); err != nil {
		t.Fatal(err)
	}
	env, err := orders.DecodeEnvelope(rec.value)
	if err != nil {
		t.Fatal(err)
	}
	p, err := orders.DecodePayload[orders.ReleaseFailedPayload](env)
	if err != nil {
		t.Fatal(err)
	}
	if env.EventType != orders.EventReleaseFailed || p.OrderID != "o1" || p.Reason != "timeout" || len(p.Items) != 1 {
		t.Fatalf("unexpected: %+v %+v", env, p)
	}
}

type failingNotifier struct{}

func (failingNotifier) Publish(context.Context, orders.StatusChange) error { return errors.New("down") }

func TestFanoutCallsAllAndJoinsErrors(t *testing.T) {
	hub := NewHub()
	delivered := false
	hub.Subscribe("o1", func(orders.StatusChange) { delivered = true })

	err := Fanout{failingNotifier{}, hub}.Publish(context.Background(), orders.StatusChange{OrderID: "o1"})
	if err == nil || !delivered {
		t.Fatalf("err=%v delivered=%v", err, delivered)
	}
}
