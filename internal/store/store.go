package store

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"academy/internal/model"
)

// Error taxonomy shared by all backends. Callers match with errors.Is.
var (
	// ErrUnavailable means the backing store could not be reached; the write
	// is retryable by user action.
	ErrUnavailable = errors.New("store unavailable")
	// ErrNotFound means the operation referenced a key that does not exist
	// where existence was expected.
	ErrNotFound = errors.New("not found")
	// ErrConflict means an insert hit an already-taken key.
	ErrConflict = errors.New("already exists")
	// ErrInvalidInput means the operation arguments were out of range.
	ErrInvalidInput = errors.New("invalid input")
)

// Registry is the synchronized record store over the three collections.
// Subscriptions emit the current full snapshot immediately and a fresh
// snapshot after every change from any writer. Cancelling the context
// unsubscribes: the channel closes and no further sends occur. Snapshots
// caused by one session's writes are delivered in local write order.
type Registry interface {
	SubscribeStudents(ctx context.Context) <-chan []model.Student
	SubscribePayments(ctx context.Context) <-chan []model.PaymentRecord
	SubscribeAttendance(ctx context.Context) <-chan []model.AttendanceRecord

	Students(ctx context.Context) ([]model.Student, error)
	Payments(ctx context.Context) ([]model.PaymentRecord, error)
	Attendance(ctx context.Context) ([]model.AttendanceRecord, error)

	// NewStudentID returns a collision-checked STU-#### id against the
	// current roster.
	NewStudentID(ctx context.Context) (string, error)

	CreateStudent(ctx context.Context, s model.Student) error
	DeleteStudent(ctx context.Context, id string) error

	// UpsertPayment replaces the record keyed by {studentID}_{month},
	// forcing status back to pending and the timestamp to now.
	UpsertPayment(ctx context.Context, studentID, month, slipData string) (model.PaymentRecord, error)
	// SetPaymentStatus transitions an existing record to approved or
	// rejected; a missing key is ErrNotFound.
	SetPaymentStatus(ctx context.Context, paymentID string, status model.PaymentStatus) error
	// SetPaymentAmount records the amount staff noted on review.
	SetPaymentAmount(ctx context.Context, paymentID string, amount float64) error

	// MarkAttendance inserts a present record for (studentID, current month,
	// week). A repeat mark is a no-op returning the stored record unchanged.
	MarkAttendance(ctx context.Context, studentID string, week int) (model.AttendanceRecord, error)
}

// hub fans full-collection snapshots out to subscribers. Each subscriber has
// an ordered pending queue drained by its own goroutine, so a slow consumer
// never blocks writers and never reorders locally issued snapshots.
type hub[T any] struct {
	mu   sync.Mutex
	subs map[string]*sub[T]
}

type sub[T any] struct {
	mu     sync.Mutex
	queue  []T
	held   []T
	seeded bool
	wake   chan struct{}
}

func newHub[T any]() *hub[T] {
	return &hub[T]{subs: make(map[string]*sub[T])}
}

// subscribe registers a subscriber and starts its delivery goroutine. The
// returned channel closes once ctx is cancelled. Nothing is delivered until
// seed provides the initial snapshot; broadcasts arriving before that are
// held back so a concurrent write cannot overtake the seed.
func (h *hub[T]) subscribe(ctx context.Context) (*sub[T], <-chan T) {
	s := &sub[T]{wake: make(chan struct{}, 1)}
	id := uuid.NewString()

	h.mu.Lock()
	h.subs[id] = s
	h.mu.Unlock()

	out := make(chan T)
	go func() {
		defer close(out)
		defer func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		}()
		for {
			item, ok := s.pop()
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-s.wake:
					continue
				}
			}
			select {
			case <-ctx.Done():
				return
			case out <- item:
			}
		}
	}()
	return s, out
}

func (h *hub[T]) broadcast(item T) {
	h.mu.Lock()
	for _, s := range h.subs {
		s.push(item)
	}
	h.mu.Unlock()
}

func (s *sub[T]) push(item T) {
	s.mu.Lock()
	if !s.seeded {
		s.held = append(s.held, item)
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, item)
	s.mu.Unlock()
	s.wakeup()
}

// seed enqueues the initial snapshot and releases everything held back while
// it was being read, preserving write order behind it.
func (s *sub[T]) seed(item T) {
	s.mu.Lock()
	s.queue = append(s.queue, item)
	s.queue = append(s.queue, s.held...)
	s.held = nil
	s.seeded = true
	s.mu.Unlock()
	s.wakeup()
}

func (s *sub[T]) wakeup() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *sub[T]) pop() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		var zero T
		return zero, false
	}
	item := s.queue[0]
	s.queue = s.queue[1:]
	return item, true
}
