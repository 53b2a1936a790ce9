// Package session resolves login attempts into staff or student sessions.
// Sessions are plain values held in memory; nothing is persisted and the
// credential policy is an injected value so it can be swapped without
// touching the state machine.
package session

import (
	"errors"
	"strings"

	"academy/internal/model"
)

// ErrInvalidCredentials is the resolver rejection; surfaced as a user-facing
// message, never a lockout.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Kind tags the session variant.
type Kind string

const (
	Anonymous Kind = "anonymous"
	Staff     Kind = "staff"
	Student   Kind = "student"
)

// Session is the tagged identity value. Exactly one payload field is set for
// its kind: Username for staff, StudentData for students, neither for
// anonymous.
type Session struct {
	Kind        Kind           `json:"kind"`
	Username    string         `json:"username,omitempty"`
	StudentData *model.Student `json:"student,omitempty"`
}

// StaffCredentials is the fixed staff login pair. Isolated here so the
// plaintext check is trivially replaceable.
type StaffCredentials struct {
	Username string
	Password string
}

// Matches reports whether the supplied pair is the staff login.
func (c StaffCredentials) Matches(username, password string) bool {
	return c.Username != "" && username == c.Username && password == c.Password
}

// Resolver turns a login attempt into a session against the current roster
// snapshot.
type Resolver struct {
	staff StaffCredentials
}

// NewResolver creates a resolver with the given staff policy.
func NewResolver(staff StaffCredentials) *Resolver {
	return &Resolver{staff: staff}
}

// Login checks the staff pair first, then searches the roster for an exact
// (contact, id) match where the student id acts as the password. Ids compare
// case-insensitively so a ticket printed as stu-1234 still logs in. Any other
// input is ErrInvalidCredentials with no session produced.
func (r *Resolver) Login(contact, password string, students []model.Student) (Session, error) {
	if r.staff.Matches(contact, password) {
		return Session{Kind: Staff, Username: r.staff.Username}, nil
	}
	for _, s := range students {
		if s.WhatsappNumber == contact && strings.EqualFold(s.ID, password) {
			student := s
			return Session{Kind: Student, StudentData: &student}, nil
		}
	}
	return Session{Kind: Anonymous}, ErrInvalidCredentials
}

// Logout returns the terminal anonymous session.
func Logout() Session {
	return Session{Kind: Anonymous}
}
