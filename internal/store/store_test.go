package store

import (
	"context"
	"testing"
	"time"

	"academy/internal/model"
)

// A write can land between subscriber registration and the initial snapshot
// read. The newer snapshot must not be delivered ahead of the initial one,
// and must still arrive after it.
func TestHub_broadcastBeforeSeedIsHeldBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHub[[]model.Student]()
	s, out := h.subscribe(ctx)

	initial := []model.Student{{ID: "STU-1000"}}
	afterWrite := []model.Student{{ID: "STU-1000"}, {ID: "STU-2000"}}

	h.broadcast(afterWrite)
	s.seed(initial)

	first := recvHubSnapshot(t, out)
	if len(first) != 1 || first[0].ID != "STU-1000" {
		t.Fatalf("first delivery = %v, want the initial snapshot", first)
	}
	second := recvHubSnapshot(t, out)
	if len(second) != 2 {
		t.Fatalf("second delivery = %v, want the post-write snapshot", second)
	}
}

func TestHub_broadcastAfterSeedDeliversDirectly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHub[[]model.Student]()
	s, out := h.subscribe(ctx)
	s.seed(nil)
	if got := recvHubSnapshot(t, out); len(got) != 0 {
		t.Fatalf("seed delivery = %v", got)
	}

	h.broadcast([]model.Student{{ID: "STU-1000"}})
	if got := recvHubSnapshot(t, out); len(got) != 1 {
		t.Fatalf("broadcast delivery = %v", got)
	}
}

func recvHubSnapshot(t *testing.T, ch <-chan []model.Student) []model.Student {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot delivered")
	}
	return nil
}
