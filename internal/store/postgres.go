package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"academy/internal/model"
)

const changeChannel = "academy:changed"

// Postgres is the durable Registry backend. Records live in Postgres; change
// notifications fan out over a redis pub/sub channel so independent sessions
// see each other's writes. Each local write broadcasts its own fresh snapshot
// before publishing, which keeps the local write order guarantee.
type Postgres struct {
	db      *sql.DB
	rdb     *redis.Client
	session string

	studentHub    *hub[[]model.Student]
	paymentHub    *hub[[]model.PaymentRecord]
	attendanceHub *hub[[]model.AttendanceRecord]

	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// NewPostgres wires the backend; call Start to begin receiving cross-session
// change notifications.
func NewPostgres(db *DB, rdb *Redis) *Postgres {
	return &Postgres{
		db:            db.Client,
		rdb:           rdb.Client,
		session:       uuid.NewString(),
		studentHub:    newHub[[]model.Student](),
		paymentHub:    newHub[[]model.PaymentRecord](),
		attendanceHub: newHub[[]model.AttendanceRecord](),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		now:           time.Now,
	}
}

// EnsureSchema creates the three collections when missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS students (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			grade INT NOT NULL,
			school_name TEXT NOT NULL,
			whatsapp_number TEXT NOT NULL,
			registered_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			student_id TEXT NOT NULL,
			month TEXT NOT NULL,
			slip_data TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			uploaded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			amount DOUBLE PRECISION
		)`,
		`CREATE TABLE IF NOT EXISTS attendance (
			id TEXT PRIMARY KEY,
			student_id TEXT NOT NULL,
			month TEXT NOT NULL,
			week INT NOT NULL,
			marked_date TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'present'
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: schema setup: %v", ErrUnavailable, err)
		}
	}
	return nil
}

// Start launches the cross-session notification listener. go-redis re-dials
// the pub/sub connection itself, so a dropped subscription silently resumes
// instead of erroring out subscribers.
func (p *Postgres) Start(ctx context.Context) {
	go p.listen(ctx)
}

func (p *Postgres) listen(ctx context.Context) {
	pubsub := p.rdb.Subscribe(ctx, changeChannel)
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			session, collection, found := strings.Cut(msg.Payload, "|")
			if !found || session == p.session {
				continue
			}
			p.refresh(ctx, collection)
		}
	}
}

// refresh re-reads one collection and broadcasts it. Read failures are
// dropped; the next notification retries naturally.
func (p *Postgres) refresh(ctx context.Context, collection string) {
	switch collection {
	case "students":
		if snap, err := p.readStudents(ctx); err == nil {
			p.studentHub.broadcast(snap)
		}
	case "payments":
		if snap, err := p.readPayments(ctx); err == nil {
			p.paymentHub.broadcast(snap)
		}
	case "attendance":
		if snap, err := p.readAttendance(ctx); err == nil {
			p.attendanceHub.broadcast(snap)
		}
	}
}

// changed broadcasts the post-write snapshot locally and tells other
// sessions to re-read. A failed publish only means other sessions miss this
// change until their next one; local subscribers already got it.
func (p *Postgres) changed(ctx context.Context, collection string) {
	p.refresh(ctx, collection)
	_ = p.rdb.Publish(ctx, changeChannel, p.session+"|"+collection).Err()
}

func (p *Postgres) SubscribeStudents(ctx context.Context) <-chan []model.Student {
	s, out := p.studentHub.subscribe(ctx)
	go p.seed(ctx, func(ctx context.Context) error {
		snap, err := p.readStudents(ctx)
		if err != nil {
			return err
		}
		s.seed(snap)
		return nil
	})
	return out
}

func (p *Postgres) SubscribePayments(ctx context.Context) <-chan []model.PaymentRecord {
	s, out := p.paymentHub.subscribe(ctx)
	go p.seed(ctx, func(ctx context.Context) error {
		snap, err := p.readPayments(ctx)
		if err != nil {
			return err
		}
		s.seed(snap)
		return nil
	})
	return out
}

func (p *Postgres) SubscribeAttendance(ctx context.Context) <-chan []model.AttendanceRecord {
	s, out := p.attendanceHub.subscribe(ctx)
	go p.seed(ctx, func(ctx context.Context) error {
		snap, err := p.readAttendance(ctx)
		if err != nil {
			return err
		}
		s.seed(snap)
		return nil
	})
	return out
}

// seed delivers the initial snapshot, retrying while the store is down. A
// subscription never fails, it just stays quiet until the store is back.
func (p *Postgres) seed(ctx context.Context, read func(context.Context) error) {
	for {
		if err := read(ctx); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (p *Postgres) Students(ctx context.Context) ([]model.Student, error) {
	return p.readStudents(ctx)
}

func (p *Postgres) Payments(ctx context.Context) ([]model.PaymentRecord, error) {
	return p.readPayments(ctx)
}

func (p *Postgres) Attendance(ctx context.Context) ([]model.AttendanceRecord, error) {
	return p.readAttendance(ctx)
}

func (p *Postgres) NewStudentID(ctx context.Context) (string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM students`)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	existing := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		existing[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return model.NewStudentID(existing, p.rng), nil
}

func (p *Postgres) CreateStudent(ctx context.Context, s model.Student) error {
	if s.ID == "" {
		return fmt.Errorf("%w: student id required", ErrInvalidInput)
	}
	if s.RegisteredAt.IsZero() {
		s.RegisteredAt = p.now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO students (id, name, grade, school_name, whatsapp_number, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.ID, s.Name, s.Grade, s.SchoolName, s.WhatsappNumber, s.RegisteredAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: student %s", ErrConflict, s.ID)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	p.changed(ctx, "students")
	return nil
}

func (p *Postgres) DeleteStudent(ctx context.Context, id string) error {
	// Absent id is a benign no-op; orphaned payment and attendance records
	// are left in place.
	_, err := p.db.ExecContext(ctx, `DELETE FROM students WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	p.changed(ctx, "students")
	return nil
}

func (p *Postgres) UpsertPayment(ctx context.Context, studentID, month, slipData string) (model.PaymentRecord, error) {
	if studentID == "" || month == "" || slipData == "" {
		return model.PaymentRecord{}, fmt.Errorf("%w: student, month and slip required", ErrInvalidInput)
	}
	rec := model.PaymentRecord{
		ID:         model.PaymentID(studentID, month),
		StudentID:  studentID,
		Month:      month,
		SlipData:   slipData,
		Status:     model.PaymentPending,
		UploadedAt: p.now().UTC(),
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (id, student_id, month, slip_data, status, uploaded_at, amount)
		VALUES ($1, $2, $3, $4, $5, $6, NULL)
		ON CONFLICT (id) DO UPDATE SET
			slip_data = EXCLUDED.slip_data,
			status = EXCLUDED.status,
			uploaded_at = EXCLUDED.uploaded_at,
			amount = NULL
	`, rec.ID, rec.StudentID, rec.Month, rec.SlipData, rec.Status, rec.UploadedAt)
	if err != nil {
		return model.PaymentRecord{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	p.changed(ctx, "payments")
	return rec, nil
}

func (p *Postgres) SetPaymentStatus(ctx context.Context, paymentID string, status model.PaymentStatus) error {
	if status != model.PaymentApproved && status != model.PaymentRejected {
		return fmt.Errorf("%w: status %q", ErrInvalidInput, status)
	}
	res, err := p.db.ExecContext(ctx, `UPDATE payments SET status = $2 WHERE id = $1`, paymentID, status)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: payment %s", ErrNotFound, paymentID)
	}
	p.changed(ctx, "payments")
	return nil
}

func (p *Postgres) SetPaymentAmount(ctx context.Context, paymentID string, amount float64) error {
	res, err := p.db.ExecContext(ctx, `UPDATE payments SET amount = $2 WHERE id = $1`, paymentID, amount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: payment %s", ErrNotFound, paymentID)
	}
	p.changed(ctx, "payments")
	return nil
}

func (p *Postgres) MarkAttendance(ctx context.Context, studentID string, week int) (model.AttendanceRecord, error) {
	if studentID == "" || week < 1 || week > 4 {
		return model.AttendanceRecord{}, fmt.Errorf("%w: student and week 1-4 required", ErrInvalidInput)
	}
	now := p.now().UTC()
	month := model.MonthOf(now)
	id := model.AttendanceID(studentID, month, week)
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO attendance (id, student_id, month, week, marked_date, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, id, studentID, month, week, model.DateOf(now), model.StatusPresent)
	if err != nil {
		return model.AttendanceRecord{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		p.changed(ctx, "attendance")
	}

	// Read back the stored record so a repeat mark returns the original date.
	row := p.db.QueryRowContext(ctx, `
		SELECT id, student_id, month, week, marked_date, status
		FROM attendance WHERE id = $1
	`, id)
	var rec model.AttendanceRecord
	if err := row.Scan(&rec.ID, &rec.StudentID, &rec.Month, &rec.Week, &rec.Date, &rec.Status); err != nil {
		return model.AttendanceRecord{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return rec, nil
}

func (p *Postgres) readStudents(ctx context.Context) ([]model.Student, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, grade, school_name, whatsapp_number, registered_at
		FROM students
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	var out []model.Student
	for rows.Next() {
		var s model.Student
		if err := rows.Scan(&s.ID, &s.Name, &s.Grade, &s.SchoolName, &s.WhatsappNumber, &s.RegisteredAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) readPayments(ctx context.Context) ([]model.PaymentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, student_id, month, slip_data, status, uploaded_at, amount
		FROM payments
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	var out []model.PaymentRecord
	for rows.Next() {
		var rec model.PaymentRecord
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.Month, &rec.SlipData, &rec.Status, &rec.UploadedAt, &rec.Amount); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) readAttendance(ctx context.Context) ([]model.AttendanceRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, student_id, month, week, marked_date, status
		FROM attendance
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	var out []model.AttendanceRecord
	for rows.Next() {
		var rec model.AttendanceRecord
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.Month, &rec.Week, &rec.Date, &rec.Status); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
