package appointment

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tutorlane/chatd/internal/bus"
	"github.com/tutorlane/chatd/internal/errs"
	"github.com/tutorlane/chatd/internal/store"
)

// CreateRequest carries the data for a new scheduling request.
type CreateRequest struct {
	ChatID      string
	DateTime    time.Time
	EndDateTime time.Time
	Location    string
}

// Remote is the backend surface the engine needs. Every mutation requires a
// successful remote acknowledgement before any local state changes; nothing
// here is optimistic.
type Remote interface {
	CreateAppointment(ctx context.Context, req CreateRequest) (*Appointment, error)
	RespondAppointment(ctx context.Context, id string, accepted bool) error
	CompleteAppointment(ctx context.Context, id string, completed bool) error
	DeleteAppointment(ctx context.Context, id string) error
	HasAppointmentOnDate(ctx context.Context, chatID string, date time.Time) (bool, error)
}

// Engine drives the scheduling workflow: create with a date-conflict
// pre-check, accept/reject, dual-party completion, delete with message
// tombstoning, and the timer-driven slide into WAITING_TO_COMPLETE.
type Engine struct {
	db     *store.DB
	remote Remote
	bus    *bus.Bus
	log    *zap.Logger
	selfID func() string
	now    func() time.Time

	mu       sync.Mutex
	inflight map[string]bool
}

func NewEngine(db *store.DB, remote Remote, b *bus.Bus, log *zap.Logger, selfID func() string) *Engine {
	return &Engine{
		db:       db,
		remote:   remote,
		bus:      b,
		log:      log.Named("appointment"),
		selfID:   selfID,
		now:      time.Now,
		inflight: make(map[string]bool),
	}
}

// Get implements Lookup over the cache.
func (e *Engine) Get(id string) (*Appointment, error) {
	rec, err := e.db.GetAppointment(id)
	if err != nil {
		return nil, errs.Internal("load appointment", err)
	}
	if rec == nil {
		return nil, nil
	}
	a := fromRecord(rec)
	return &a, nil
}

// List returns the cached appointments for a chat ordered by start time.
func (e *Engine) List(chatID string) ([]Appointment, error) {
	recs, err := e.db.ListAppointments(chatID)
	if err != nil {
		return nil, errs.Internal("list appointments", err)
	}
	out := make([]Appointment, 0, len(recs))
	for i := range recs {
		out = append(out, fromRecord(&recs[i]))
	}
	return out, nil
}

// Create validates the slot, refuses same-day duplicates before any network
// write, then creates the appointment remotely and caches the confirmed
// record.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Appointment, error) {
	if err := ValidateTimes(e.now(), req.DateTime, req.EndDateTime); err != nil {
		return nil, err
	}
	dayStart, dayEnd := DayBounds(req.DateTime)
	taken, err := e.db.HasAppointmentOnDay(req.ChatID, dayStart, dayEnd)
	if err != nil {
		return nil, errs.Internal("conflict check", err)
	}
	if !taken {
		taken, err = e.remote.HasAppointmentOnDate(ctx, req.ChatID, req.DateTime)
		if err != nil {
			return nil, err
		}
	}
	if taken {
		return nil, errs.Validation("an appointment already exists on this date")
	}

	a, err := e.remote.CreateAppointment(ctx, req)
	if err != nil {
		if errs.Is(err, errs.CodeConflict) {
			// Lost the race against a concurrent booking; surface it the
			// same way the pre-check would have.
			return nil, errs.Validation("an appointment already exists on this date")
		}
		return nil, err
	}
	if err := e.persist(a); err != nil {
		return nil, err
	}
	e.log.Info("appointment created", zap.String("id", a.ID), zap.String("chat", a.ChatID))
	return a, nil
}

// Respond accepts or rejects a pending request. Only the party that did not
// create the request may respond.
func (e *Engine) Respond(ctx context.Context, id string, accepted bool) error {
	release, err := e.acquire(id)
	if err != nil {
		return err
	}
	defer release()

	a, err := e.mustGet(id)
	if err != nil {
		return err
	}
	if a.Status != Pending {
		return errs.Validation("appointment is no longer awaiting a response")
	}
	if a.RequesterID == e.selfID() {
		return errs.Validation("the requester cannot respond to their own appointment")
	}
	if err := e.remote.RespondAppointment(ctx, id, accepted); err != nil {
		return err
	}
	if accepted {
		a.Status = Confirmed
	} else {
		a.Status = Cancelled
	}
	if err := e.persist(a); err != nil {
		return err
	}
	e.log.Info("appointment responded",
		zap.String("id", id), zap.Bool("accepted", accepted))
	return nil
}

// Complete records one party's completion verdict. A repeat submission by
// the same party is a no-op. completed=false cancels the appointment; once
// both parties report completed the appointment is done.
func (e *Engine) Complete(ctx context.Context, id string, party Party, completed bool) error {
	release, err := e.acquire(id)
	if err != nil {
		return err
	}
	defer release()

	a, err := e.mustGet(id)
	if err != nil {
		return err
	}
	if a.Status != WaitingToComplete {
		return errs.Validation("appointment is not awaiting completion")
	}
	if ready := a.readyOf(party); ready != nil {
		// Double-click or retry; the first answer stands.
		return nil
	}
	if err := e.remote.CompleteAppointment(ctx, id, completed); err != nil {
		return err
	}
	a.setReady(party, completed)
	if !completed {
		a.Status = Cancelled
	} else if a.TeacherReady != nil && *a.TeacherReady && a.StudentReady != nil && *a.StudentReady {
		a.Status = Completed
	}
	if err := e.persist(a); err != nil {
		return err
	}
	e.log.Info("appointment completion recorded",
		zap.String("id", id), zap.String("party", string(party)), zap.Bool("completed", completed))
	return nil
}

// Delete removes an appointment regardless of status. The originating
// request message keeps its row with the reference cleared so it renders a
// tombstone instead of vanishing.
func (e *Engine) Delete(ctx context.Context, id string) error {
	release, err := e.acquire(id)
	if err != nil {
		return err
	}
	defer release()

	a, err := e.mustGet(id)
	if err != nil {
		return err
	}
	if err := e.remote.DeleteAppointment(ctx, id); err != nil {
		return err
	}
	if err := e.db.DeleteAppointment(id); err != nil {
		return errs.Internal("delete appointment", err)
	}
	if err := e.db.ClearAppointmentRef(id); err != nil {
		return errs.Internal("tombstone request message", err)
	}
	e.bus.Publish(bus.Event{
		Kind:      bus.KindAppointmentDeleted,
		ChatID:    a.ChatID,
		Timestamp: e.now(),
		Payload:   a,
	})
	e.log.Info("appointment deleted", zap.String("id", id))
	return nil
}

// ElapseDue moves every confirmed appointment whose scheduled end has
// passed into WAITING_TO_COMPLETE. Driven by the daemon clock; the server
// record stays authoritative and a later sync may override.
func (e *Engine) ElapseDue(now time.Time) error {
	due, err := e.db.DueForCompletion(now.UnixMilli())
	if err != nil {
		return errs.Internal("query due appointments", err)
	}
	for i := range due {
		a := fromRecord(&due[i])
		a.Status = WaitingToComplete
		if err := e.persist(&a); err != nil {
			return err
		}
		e.log.Debug("appointment awaiting completion", zap.String("id", a.ID))
	}
	return nil
}

// ApplyRemote caches an appointment record received from the sync stream.
// Last write wins; no transition rules apply to server state.
func (e *Engine) ApplyRemote(a *Appointment) error {
	return e.persist(a)
}

func (e *Engine) mustGet(id string) (*Appointment, error) {
	a, err := e.Get(id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, errs.Validation("unknown appointment")
	}
	return a, nil
}

func (e *Engine) persist(a *Appointment) error {
	rec := toRecord(a)
	if err := e.db.UpsertAppointment(rec); err != nil {
		return errs.Internal("store appointment", err)
	}
	e.bus.Publish(bus.Event{
		Kind:      bus.KindAppointmentUpdated,
		ChatID:    a.ChatID,
		Timestamp: e.now(),
		Payload:   *a,
	})
	return nil
}

// acquire guards one appointment against overlapping mutations. The second
// caller is told to wait rather than queued, matching a double-clicked
// button.
func (e *Engine) acquire(id string) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[id] {
		return nil, errs.Validation("a previous action on this appointment is still in flight")
	}
	e.inflight[id] = true
	return func() {
		e.mu.Lock()
		delete(e.inflight, id)
		e.mu.Unlock()
	}, nil
}

func (a *Appointment) readyOf(p Party) *bool {
	if p == Teacher {
		return a.TeacherReady
	}
	return a.StudentReady
}

func (a *Appointment) setReady(p Party, v bool) {
	if p == Teacher {
		a.TeacherReady = &v
	} else {
		a.StudentReady = &v
	}
}

func toRecord(a *Appointment) *store.Appointment {
	return &store.Appointment{
		ID:              a.ID,
		ChatID:          a.ChatID,
		MessageID:       a.MessageID,
		RequesterID:     a.RequesterID,
		StartsAt:        a.StartsAt.UnixMilli(),
		DurationMinutes: a.DurationMinutes,
		Location:        a.Location,
		Status:          string(a.Status),
		TeacherReady:    a.TeacherReady,
		StudentReady:    a.StudentReady,
	}
}

func fromRecord(rec *store.Appointment) Appointment {
	return Appointment{
		ID:              rec.ID,
		ChatID:          rec.ChatID,
		MessageID:       rec.MessageID,
		RequesterID:     rec.RequesterID,
		StartsAt:        time.UnixMilli(rec.StartsAt),
		DurationMinutes: rec.DurationMinutes,
		Location:        rec.Location,
		Status:          State(rec.Status),
		TeacherReady:    rec.TeacherReady,
		StudentReady:    rec.StudentReady,
	}
}
