package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"academy/internal/model"
)

func testStudent(id string) model.Student {
	return model.Student{
		ID:             id,
		Name:           "Ann",
		Grade:          5,
		SchoolName:     "Oak",
		WhatsappNumber: "0711111111",
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var may15 = time.Date(2024, 5, 15, 10, 0, 0, 0, time.UTC)

func TestMemory_studentRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	want := testStudent("STU-1000")
	want.RegisteredAt = may15
	if err := m.CreateStudent(ctx, want); err != nil {
		t.Fatalf("CreateStudent: %v", err)
	}

	ch := m.SubscribeStudents(ctx)
	got := <-ch
	if len(got) != 1 {
		t.Fatalf("snapshot size = %d, want 1", len(got))
	}
	if got[0] != want {
		t.Fatalf("round-trip mismatch:\n got %+v\nwant %+v", got[0], want)
	}
}

func TestMemory_createConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.CreateStudent(ctx, testStudent("STU-1000")); err != nil {
		t.Fatalf("first create: %v", err)
	}
	err := m.CreateStudent(ctx, testStudent("stu-1000"))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("case-aliased create error = %v, want ErrConflict", err)
	}
}

func TestMemory_deleteIsIdempotentAndKeepsOrphans(t *testing.T) {
	m := NewMemory()
	m.now = fixedClock(may15)
	ctx := context.Background()

	if err := m.CreateStudent(ctx, testStudent("STU-1000")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.UpsertPayment(ctx, "STU-1000", "2024-05", "img"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := m.DeleteStudent(ctx, "STU-1000"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.DeleteStudent(ctx, "STU-1000"); err != nil {
		t.Fatalf("repeat delete should be a no-op, got %v", err)
	}
	payments, _ := m.Payments(ctx)
	if len(payments) != 1 {
		t.Fatalf("orphaned payment should survive, have %d records", len(payments))
	}
}

func TestMemory_upsertPaymentOverwrite(t *testing.T) {
	m := NewMemory()
	first := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	second := time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()

	m.now = fixedClock(first)
	rec, err := m.UpsertPayment(ctx, "STU-1000", "2024-05", "old-image")
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := m.SetPaymentStatus(ctx, rec.ID, model.PaymentApproved); err != nil {
		t.Fatalf("approve: %v", err)
	}

	m.now = fixedClock(second)
	if _, err := m.UpsertPayment(ctx, "STU-1000", "2024-05", "new-image"); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	payments, _ := m.Payments(ctx)
	if len(payments) != 1 {
		t.Fatalf("want exactly one record for the month, have %d", len(payments))
	}
	got := payments[0]
	if got.Status != model.PaymentPending {
		t.Errorf("status = %q, want pending reset", got.Status)
	}
	if got.SlipData != "new-image" {
		t.Errorf("slip = %q, want newer image", got.SlipData)
	}
	if !got.UploadedAt.Equal(second) {
		t.Errorf("uploaded_at = %v, want %v", got.UploadedAt, second)
	}
}

func TestMemory_setPaymentStatus(t *testing.T) {
	m := NewMemory()
	m.now = fixedClock(may15)
	ctx := context.Background()
	rec, _ := m.UpsertPayment(ctx, "STU-1000", "2024-05", "img")

	tests := []struct {
		name    string
		id      string
		status  model.PaymentStatus
		wantErr error
	}{
		{name: "approve", id: rec.ID, status: model.PaymentApproved},
		{name: "reject", id: rec.ID, status: model.PaymentRejected},
		{name: "missing key", id: "STU-9999_2024-05", status: model.PaymentApproved, wantErr: ErrNotFound},
		{name: "pending not a transition", id: rec.ID, status: model.PaymentPending, wantErr: ErrInvalidInput},
		{name: "unknown status", id: rec.ID, status: "verified", wantErr: ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.SetPaymentStatus(ctx, tt.id, tt.status)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMemory_setPaymentAmount(t *testing.T) {
	m := NewMemory()
	m.now = fixedClock(may15)
	ctx := context.Background()
	rec, _ := m.UpsertPayment(ctx, "STU-1000", "2024-05", "img")

	if err := m.SetPaymentStatus(ctx, rec.ID, model.PaymentApproved); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := m.SetPaymentAmount(ctx, rec.ID, 2500); err != nil {
		t.Fatalf("set amount: %v", err)
	}

	payments, _ := m.Payments(ctx)
	if len(payments) != 1 {
		t.Fatalf("payments = %v", payments)
	}
	got := payments[0]
	if got.Status != model.PaymentApproved || got.Amount == nil || *got.Amount != 2500 {
		t.Fatalf("record after review = %+v", got)
	}

	if err := m.SetPaymentAmount(ctx, "STU-9999_2024-05", 100); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing key error = %v, want ErrNotFound", err)
	}
}

func TestMemory_markAttendanceIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.now = fixedClock(time.Date(2024, 5, 8, 10, 0, 0, 0, time.UTC))
	first, err := m.MarkAttendance(ctx, "STU-1000", 2)
	if err != nil {
		t.Fatalf("first mark: %v", err)
	}
	if first.ID != "STU-1000_2024-05_2" {
		t.Fatalf("id = %q", first.ID)
	}
	if first.Date != "2024-05-08" || first.Status != model.StatusPresent {
		t.Fatalf("unexpected record: %+v", first)
	}

	// Later the same month: repeat mark must not touch the stored date.
	m.now = fixedClock(time.Date(2024, 5, 22, 10, 0, 0, 0, time.UTC))
	second, err := m.MarkAttendance(ctx, "STU-1000", 2)
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if second != first {
		t.Fatalf("repeat mark changed the record:\n got %+v\nwant %+v", second, first)
	}

	all, _ := m.Attendance(ctx)
	if len(all) != 1 {
		t.Fatalf("want exactly one record, have %d", len(all))
	}
}

func TestMemory_markAttendanceValidation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, week := range []int{0, 5, -1} {
		if _, err := m.MarkAttendance(ctx, "STU-1000", week); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("week %d error = %v, want ErrInvalidInput", week, err)
		}
	}
	if _, err := m.MarkAttendance(ctx, "", 1); !errors.Is(err, ErrInvalidInput) {
		t.Fatal("empty student id should be rejected")
	}
}

func TestMemory_subscribeEmitsInitialAndOrderedUpdates(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := m.SubscribeStudents(ctx)
	if snap := recvSnapshot(t, ch); len(snap) != 0 {
		t.Fatalf("initial snapshot should be empty, got %d", len(snap))
	}

	ids := []string{"STU-3000", "STU-1000", "STU-2000"}
	for _, id := range ids {
		if err := m.CreateStudent(ctx, testStudent(id)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	// One snapshot per write, each reflecting the writes issued so far.
	for i := 1; i <= len(ids); i++ {
		snap := recvSnapshot(t, ch)
		if len(snap) != i {
			t.Fatalf("snapshot %d has %d students, want %d", i, len(snap), i)
		}
	}
}

func TestMemory_unsubscribeStopsDelivery(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	ch := m.SubscribeStudents(ctx)
	recvSnapshot(t, ch)
	cancel()

	// Channel closes; writes after cancel never reach it.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				goto closed
			}
		case <-deadline:
			t.Fatal("channel did not close after unsubscribe")
		}
	}
closed:
	if err := m.CreateStudent(context.Background(), testStudent("STU-1000")); err != nil {
		t.Fatalf("create after unsubscribe: %v", err)
	}
}

func TestMemory_cancelImmediatelyAfterSubscribeIsSafe(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	ch := m.SubscribeStudents(ctx)
	cancel()
	// Drain until close; no panic, no deadlock.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel did not close")
		}
	}
}

func TestMemory_newStudentIDAvoidsRoster(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id, err := m.NewStudentID(ctx)
		if err != nil {
			t.Fatalf("NewStudentID: %v", err)
		}
		if seen[id] {
			t.Fatalf("generator repeated id %q against the roster", id)
		}
		seen[id] = true
		if err := m.CreateStudent(ctx, testStudent(id)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
}

// Scenario: register Ann, then log in with her contact and assigned id.
// The login half lives in the session package; here we check the stored
// record matches what registration wrote.
func TestMemory_registrationScenario(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	id, err := m.NewStudentID(ctx)
	if err != nil {
		t.Fatalf("NewStudentID: %v", err)
	}
	ann := model.Student{ID: id, Name: "Ann", Grade: 5, SchoolName: "Oak", WhatsappNumber: "0711111111"}
	if err := m.CreateStudent(ctx, ann); err != nil {
		t.Fatalf("create: %v", err)
	}

	students, _ := m.Students(ctx)
	if len(students) != 1 || students[0].ID != id || students[0].Name != "Ann" {
		t.Fatalf("stored roster mismatch: %+v", students)
	}
}

// Scenario: slip uploaded in 2024-05 shows pending, then staff approves it.
func TestMemory_paymentReviewScenario(t *testing.T) {
	m := NewMemory()
	m.now = fixedClock(may15)
	ctx := context.Background()

	rec, err := m.UpsertPayment(ctx, "STU-1000", "2024-05", "slip")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if rec.Status != model.PaymentPending {
		t.Fatalf("fresh upload status = %q", rec.Status)
	}
	if err := m.SetPaymentStatus(ctx, "STU-1000_2024-05", model.PaymentApproved); err != nil {
		t.Fatalf("approve: %v", err)
	}
	payments, _ := m.Payments(ctx)
	if payments[0].Status != model.PaymentApproved {
		t.Fatalf("status after approval = %q", payments[0].Status)
	}
}

func recvSnapshot(t *testing.T, ch <-chan []model.Student) []model.Student {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatal("subscription channel closed unexpectedly")
		}
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}
