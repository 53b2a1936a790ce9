package store

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"academy/internal/model"
)

// Memory is a channel-backed in-process Registry for dev and tests. It keeps
// the same subscription and write semantics as the postgres backend but
// nothing survives a restart.
type Memory struct {
	mu         sync.Mutex
	students   map[string]model.Student
	payments   map[string]model.PaymentRecord
	attendance map[string]model.AttendanceRecord

	studentHub    *hub[[]model.Student]
	paymentHub    *hub[[]model.PaymentRecord]
	attendanceHub *hub[[]model.AttendanceRecord]

	now func() time.Time
	rng *rand.Rand
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		students:      make(map[string]model.Student),
		payments:      make(map[string]model.PaymentRecord),
		attendance:    make(map[string]model.AttendanceRecord),
		studentHub:    newHub[[]model.Student](),
		paymentHub:    newHub[[]model.PaymentRecord](),
		attendanceHub: newHub[[]model.AttendanceRecord](),
		now:           time.Now,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *Memory) SubscribeStudents(ctx context.Context) <-chan []model.Student {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, out := m.studentHub.subscribe(ctx)
	s.seed(m.studentSnapshot())
	return out
}

func (m *Memory) SubscribePayments(ctx context.Context) <-chan []model.PaymentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, out := m.paymentHub.subscribe(ctx)
	s.seed(m.paymentSnapshot())
	return out
}

func (m *Memory) SubscribeAttendance(ctx context.Context) <-chan []model.AttendanceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, out := m.attendanceHub.subscribe(ctx)
	s.seed(m.attendanceSnapshot())
	return out
}

func (m *Memory) Students(ctx context.Context) ([]model.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.studentSnapshot(), nil
}

func (m *Memory) Payments(ctx context.Context) ([]model.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paymentSnapshot(), nil
}

func (m *Memory) Attendance(ctx context.Context) ([]model.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attendanceSnapshot(), nil
}

func (m *Memory) NewStudentID(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := make(map[string]struct{}, len(m.students))
	for id := range m.students {
		existing[id] = struct{}{}
	}
	return model.NewStudentID(existing, m.rng), nil
}

func (m *Memory) CreateStudent(ctx context.Context, s model.Student) error {
	if s.ID == "" {
		return fmt.Errorf("%w: student id required", ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.students {
		if strings.EqualFold(id, s.ID) {
			return fmt.Errorf("%w: student %s", ErrConflict, s.ID)
		}
	}
	if s.RegisteredAt.IsZero() {
		s.RegisteredAt = m.now().UTC()
	}
	m.students[s.ID] = s
	m.studentHub.broadcast(m.studentSnapshot())
	return nil
}

func (m *Memory) DeleteStudent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Absent id is a benign no-op. Payment and attendance records keep
	// referencing the deleted id; views render a fallback name.
	delete(m.students, id)
	m.studentHub.broadcast(m.studentSnapshot())
	return nil
}

func (m *Memory) UpsertPayment(ctx context.Context, studentID, month, slipData string) (model.PaymentRecord, error) {
	if studentID == "" || month == "" || slipData == "" {
		return model.PaymentRecord{}, fmt.Errorf("%w: student, month and slip required", ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := model.PaymentRecord{
		ID:         model.PaymentID(studentID, month),
		StudentID:  studentID,
		Month:      month,
		SlipData:   slipData,
		Status:     model.PaymentPending,
		UploadedAt: m.now().UTC(),
	}
	m.payments[rec.ID] = rec
	m.paymentHub.broadcast(m.paymentSnapshot())
	return rec, nil
}

func (m *Memory) SetPaymentStatus(ctx context.Context, paymentID string, status model.PaymentStatus) error {
	if status != model.PaymentApproved && status != model.PaymentRejected {
		return fmt.Errorf("%w: status %q", ErrInvalidInput, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.payments[paymentID]
	if !ok {
		return fmt.Errorf("%w: payment %s", ErrNotFound, paymentID)
	}
	rec.Status = status
	m.payments[paymentID] = rec
	m.paymentHub.broadcast(m.paymentSnapshot())
	return nil
}

func (m *Memory) SetPaymentAmount(ctx context.Context, paymentID string, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.payments[paymentID]
	if !ok {
		return fmt.Errorf("%w: payment %s", ErrNotFound, paymentID)
	}
	rec.Amount = &amount
	m.payments[paymentID] = rec
	m.paymentHub.broadcast(m.paymentSnapshot())
	return nil
}

func (m *Memory) MarkAttendance(ctx context.Context, studentID string, week int) (model.AttendanceRecord, error) {
	if studentID == "" || week < 1 || week > 4 {
		return model.AttendanceRecord{}, fmt.Errorf("%w: student and week 1-4 required", ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	month := model.MonthOf(now)
	id := model.AttendanceID(studentID, month, week)
	if rec, ok := m.attendance[id]; ok {
		// Already marked this week; the stored date stays as it was.
		return rec, nil
	}
	rec := model.AttendanceRecord{
		ID:        id,
		StudentID: studentID,
		Month:     month,
		Week:      week,
		Date:      model.DateOf(now),
		Status:    model.StatusPresent,
	}
	m.attendance[id] = rec
	m.attendanceHub.broadcast(m.attendanceSnapshot())
	return rec, nil
}

// Snapshot helpers; callers must hold m.mu. Slices are sorted by key so
// subscribers see a stable order.

func (m *Memory) studentSnapshot() []model.Student {
	out := make([]model.Student, 0, len(m.students))
	for _, s := range m.students {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) paymentSnapshot() []model.PaymentRecord {
	out := make([]model.PaymentRecord, 0, len(m.payments))
	for _, p := range m.payments {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) attendanceSnapshot() []model.AttendanceRecord {
	out := make([]model.AttendanceRecord, 0, len(m.attendance))
	for _, a := range m.attendance {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
