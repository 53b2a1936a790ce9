// Package view computes presentation slices over raw collection snapshots.
// Every function is pure: snapshot in, value out, no store or network access.
package view

import (
	"sort"
	"strings"

	"academy/internal/model"
)

// StatusAll passes every payment through FilterPayments.
const StatusAll = "all"

// DeletedStudentName is shown for payment or attendance records whose
// student no longer exists in the roster.
const DeletedStudentName = "Deleted student"

// CurrentMonthPayment returns the payment record for a student and month,
// if one exists.
func CurrentMonthPayment(payments []model.PaymentRecord, studentID, month string) (model.PaymentRecord, bool) {
	id := model.PaymentID(studentID, month)
	for _, p := range payments {
		if p.ID == id {
			return p, true
		}
	}
	return model.PaymentRecord{}, false
}

// CurrentMonthAttendance returns the student's attendance records for a
// month, at most one per week, ordered by week.
func CurrentMonthAttendance(attendance []model.AttendanceRecord, studentID, month string) []model.AttendanceRecord {
	var out []model.AttendanceRecord
	for _, a := range attendance {
		if a.StudentID == studentID && a.Month == month {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Week < out[j].Week })
	return out
}

// FilterStudents returns students whose name or id contains query,
// case-insensitively. The backing collection has no defined order, so the
// result is stable-sorted by id ascending. An empty query returns everyone.
func FilterStudents(students []model.Student, query string) []model.Student {
	q := strings.ToLower(query)
	out := make([]model.Student, 0, len(students))
	for _, s := range students {
		if q == "" ||
			strings.Contains(strings.ToLower(s.Name), q) ||
			strings.Contains(strings.ToLower(s.ID), q) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FilterPayments returns payments matching the status filter (or StatusAll)
// and whose student id or resolved student name contains query. Results are
// sorted by upload time descending, id as tie-break.
func FilterPayments(payments []model.PaymentRecord, students []model.Student, statusFilter, query string) []model.PaymentRecord {
	q := strings.ToLower(query)
	names := make(map[string]string, len(students))
	for _, s := range students {
		names[s.ID] = strings.ToLower(s.Name)
	}
	out := make([]model.PaymentRecord, 0, len(payments))
	for _, p := range payments {
		if statusFilter != StatusAll && string(p.Status) != statusFilter {
			continue
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(p.StudentID), q) &&
			!strings.Contains(names[p.StudentID], q) {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].UploadedAt.After(out[j].UploadedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Aggregates are the dashboard counters for one month.
type Aggregates struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
}

// MonthlyAggregates counts payments by status for a month.
func MonthlyAggregates(payments []model.PaymentRecord, month string) Aggregates {
	var agg Aggregates
	for _, p := range payments {
		if p.Month != month {
			continue
		}
		switch p.Status {
		case model.PaymentPending:
			agg.Pending++
		case model.PaymentApproved:
			agg.Approved++
		case model.PaymentRejected:
			agg.Rejected++
		}
	}
	return agg
}

// GradeHistogram counts students per grade.
func GradeHistogram(students []model.Student) map[int]int {
	hist := make(map[int]int)
	for _, s := range students {
		hist[s.Grade]++
	}
	return hist
}

// StudentName resolves an id against the roster, falling back to
// DeletedStudentName for orphaned records.
func StudentName(students []model.Student, id string) string {
	for _, s := range students {
		if s.ID == id {
			return s.Name
		}
	}
	return DeletedStudentName
}
