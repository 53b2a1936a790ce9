package advisory

import (
	"context"
	"testing"
	"time"

	"academy/internal/model"
	"academy/internal/queue"
	"academy/internal/store"
)

func TestConsume_tipAndInsights(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := store.NewMemory()
	if err := reg.CreateStudent(ctx, model.Student{ID: "STU-1000", Name: "Ann", Grade: 5, SchoolName: "Oak", WhatsappNumber: "0711111111"}); err != nil {
		t.Fatalf("seed roster: %v", err)
	}

	q := queue.NewInMemory(8)
	slot := NewMemorySlot()
	client := New("", time.Second, true) // skip mode keeps the test offline

	go func() {
		_ = Consume(ctx, q, client, slot, reg)
	}()

	PublishTip(ctx, q, "STU-1000", 5)
	PublishInsights(ctx, q)

	waitFor(t, func() bool {
		_, ok := slot.Tip(ctx, "STU-1000")
		return ok
	}, "tip never landed in the slot")
	waitFor(t, func() bool {
		_, ok := slot.Insights(ctx)
		return ok
	}, "insights never landed in the slot")
}

func TestConsume_malformedTipIsSkipped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := queue.NewInMemory(8)
	slot := NewMemorySlot()
	client := New("", time.Second, true)

	go func() {
		_ = Consume(ctx, q, client, slot, store.NewMemory())
	}()

	_ = q.Publish(ctx, queue.Message{Type: TaskTip, Body: []byte("not json")})
	PublishInsights(ctx, q)

	// The insights task behind the malformed one still gets processed.
	waitFor(t, func() bool {
		_, ok := slot.Insights(ctx)
		return ok
	}, "consumer stalled on malformed task")
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
