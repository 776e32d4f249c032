package appointment

import "time"

// State is an appointment's workflow state.
type State string

const (
	Pending           State = "PENDING"
	Confirmed         State = "CONFIRMED"
	Cancelled         State = "CANCELLED"
	WaitingToComplete State = "WAITING_TO_COMPLETE"
	Completed         State = "COMPLETED"
)

// Party identifies which side of the lesson is acting.
type Party string

const (
	Teacher Party = "teacher"
	Student Party = "student"
)

// DefaultDurationMinutes applies when a request omits the lesson length.
const DefaultDurationMinutes = 60

// Appointment is a scheduling record tied 1:1 to its originating request
// message. TeacherReady/StudentReady are tri-state: nil until the party
// submits a completion confirmation.
type Appointment struct {
	ID              string
	ChatID          string
	MessageID       string
	RequesterID     string
	StartsAt        time.Time
	DurationMinutes int
	Location        string
	Status          State
	TeacherReady    *bool
	StudentReady    *bool
}

// EndsAt returns the scheduled end of the lesson.
func (a *Appointment) EndsAt() time.Time {
	d := a.DurationMinutes
	if d <= 0 {
		d = DefaultDurationMinutes
	}
	return a.StartsAt.Add(time.Duration(d) * time.Minute)
}

// Terminal reports whether no further transitions are possible.
func (a *Appointment) Terminal() bool {
	return a.Status == Cancelled || a.Status == Completed
}
