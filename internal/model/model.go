package model

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// PaymentStatus is the review state of an uploaded payment slip.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentApproved PaymentStatus = "approved"
	PaymentRejected PaymentStatus = "rejected"
)

// Valid reports whether s is one of the known statuses.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentApproved, PaymentRejected:
		return true
	}
	return false
}

// Student is a self-registered academy student. The id doubles as the
// student's login password and QR payload, so it must stay unique.
type Student struct {
	ID             string    `json:"id"`
	Name           string    `json:"name" validate:"required,min=2,max=100"`
	Grade          int       `json:"grade" validate:"required,min=1,max=11"`
	SchoolName     string    `json:"school_name" validate:"required,min=2,max=150"`
	WhatsappNumber string    `json:"whatsapp_number" validate:"required,min=7,max=20"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// PaymentRecord is one month's payment slip for a student. SlipData holds the
// raw base64 image; at most one record exists per (student, month).
type PaymentRecord struct {
	ID         string        `json:"id"`
	StudentID  string        `json:"student_id"`
	Month      string        `json:"month"` // YYYY-MM
	SlipData   string        `json:"slip_data"`
	Status     PaymentStatus `json:"status"`
	UploadedAt time.Time     `json:"uploaded_at"`
	Amount     *float64      `json:"amount,omitempty"`
}

// AttendanceRecord marks one student present for one week of a month.
// Absence is the non-existence of a record, never a stored value.
type AttendanceRecord struct {
	ID        string `json:"id"`
	StudentID string `json:"student_id"`
	Month     string `json:"month"` // YYYY-MM
	Week      int    `json:"week"`  // 1..4
	Date      string `json:"date"`  // YYYY-MM-DD
	Status    string `json:"status"`
}

// StatusPresent is the only stored attendance status.
const StatusPresent = "present"

var validate = validator.New()

// Validate checks registration fields; the id is assigned by the registry
// and is not validated here.
func (s Student) Validate() error {
	return validate.Struct(s)
}

// PaymentID derives the deterministic payment key for a student and month.
func PaymentID(studentID, month string) string {
	return studentID + "_" + month
}

// AttendanceID derives the deterministic attendance key.
func AttendanceID(studentID, month string, week int) string {
	return fmt.Sprintf("%s_%s_%d", studentID, month, week)
}

// MonthOf formats t as a YYYY-MM calendar month.
func MonthOf(t time.Time) string {
	return t.Format("2006-01")
}

// DateOf formats t as a YYYY-MM-DD calendar date.
func DateOf(t time.Time) string {
	return t.Format("2006-01-02")
}

const (
	studentIDPrefix = "STU-"
	idAttempts      = 32
)

// NewStudentID returns an id of the form STU-#### that does not collide with
// any id in existing. Random draws are retried a bounded number of times;
// when the 4-digit space is too crowded the id widens to 5 digits. Comparison
// against existing ids is case-insensitive so STU-/stu- tickets cannot alias.
func NewStudentID(existing map[string]struct{}, rng *rand.Rand) string {
	taken := make(map[string]struct{}, len(existing))
	for id := range existing {
		taken[strings.ToUpper(id)] = struct{}{}
	}
	for i := 0; i < idAttempts; i++ {
		id := fmt.Sprintf("%s%04d", studentIDPrefix, 1000+rng.Intn(9000))
		if _, ok := taken[id]; !ok {
			return id
		}
	}
	// Random draws kept colliding; scan the space deterministically.
	for n := 1000; n <= 9999; n++ {
		id := fmt.Sprintf("%s%04d", studentIDPrefix, n)
		if _, ok := taken[id]; !ok {
			return id
		}
	}
	for {
		id := fmt.Sprintf("%s%05d", studentIDPrefix, 10000+rng.Intn(90000))
		if _, ok := taken[id]; !ok {
			return id
		}
	}
}
