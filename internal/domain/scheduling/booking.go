package scheduling

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/mockserver/internal/platform/clock"
	"github.com/ehr/mockserver/internal/platform/fhir"
	"github.com/ehr/mockserver/internal/platform/store"
)

// ErrInterrupted marks async bookings whose context ended before they finished.
var ErrInterrupted = errors.New("booking interrupted")

// BookingResult is the outcome of one $book call. On failure Appointment
// still carries the id and status that were assigned, for diagnostics.
type BookingResult struct {
	Appointment *Appointment
	Success     bool
	Outcome     *fhir.OperationOutcome
}

// Coordinator runs the $book operation: extract, check, allocate, persist and
// cancel the replaced Appointment.
type Coordinator struct {
	store     store.Store
	repos     Repositories
	checker   *Checker
	allocator *Allocator
	logger    zerolog.Logger
}

func NewCoordinator(s store.Store, clk clock.Clock, logger zerolog.Logger) *Coordinator {
	repos := NewStoreRepositories(s)
	return &Coordinator{
		store:     s,
		repos:     repos,
		checker:   NewChecker(repos, clk, logger),
		allocator: NewAllocator(repos, logger),
		logger:    logger,
	}
}

// Repositories exposes the typed resource access used by the coordinator.
func (c *Coordinator) Repositories() Repositories {
	return c.repos
}

// Book processes a $book request body. Malformed input is returned as an
// error marked ErrMalformedRequest; business-rule violations come back as an
// unsuccessful result carrying every issue found. Nothing is persisted unless
// the booking succeeds.
func (c *Coordinator) Book(ctx context.Context, body []byte) (*BookingResult, error) {
	payload, err := DecodeBookingPayload(body)
	if err != nil {
		return nil, err
	}
	appt := payload.Appointment

	checked, err := c.checker.Check(ctx, appt, payload.CancelledAppointment)
	if err != nil {
		return nil, errors.Wrap(err, "check appointment")
	}
	b := fhir.NewOutcomeBuilder().Merge(checked)

	var plan *Allocation
	if !appt.HasSlot() {
		c.logger.Info().Msg("incoming appointment has no slot")
		var issues *fhir.OperationOutcome
		plan, issues, err = c.allocator.Allocate(ctx, appt, payload.Schedule)
		if err != nil {
			return nil, err
		}
		b.Merge(issues)
	}

	appt.ID = uuid.New().String()
	appt.Status = AppointmentStatusBooked

	if b.HasErrors() {
		c.logger.Info().
			Str("appointment_id", appt.ID).
			Strs("issues", b.Build().Diagnostics()).
			Msg("booking rejected")
		return &BookingResult{Appointment: appt, Success: false, Outcome: b.Build()}, nil
	}

	var created *Appointment
	err = store.RunInTx(ctx, c.store, func(ctx context.Context) error {
		if plan != nil {
			if err := c.allocator.Commit(ctx, appt, plan); err != nil {
				return err
			}
		} else if err := c.occupySlot(ctx, appt.SlotReference()); err != nil {
			return err
		}

		if payload.CancelledAppointment != nil {
			appt.AddReplaces(payload.CancelledAppointment.Reference)
		}
		var err error
		created, err = c.repos.Appointments.Create(ctx, appt)
		if err != nil {
			return errors.Wrap(err, "create appointment")
		}

		if payload.CancelledAppointment != nil {
			return c.cancel(ctx, payload.CancelledAppointment.Reference)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info().Str("appointment_id", created.ID).Msg("appointment booked")
	return &BookingResult{Appointment: created, Success: true, Outcome: b.Build()}, nil
}

// occupySlot marks an explicitly referenced slot busy once it is booked.
func (c *Coordinator) occupySlot(ctx context.Context, ref string) error {
	slot, err := c.repos.Slots.Get(ctx, ref)
	if err != nil {
		return errors.Wrapf(err, "read slot %s", ref)
	}
	slot.Status = SlotStatusBusy
	return errors.Wrapf(c.repos.Slots.Update(ctx, slot), "mark slot %s busy", ref)
}

func (c *Coordinator) cancel(ctx context.Context, ref string) error {
	old, err := c.repos.Appointments.Get(ctx, ref)
	if err != nil {
		return errors.Wrapf(err, "read cancelled appointment %s", ref)
	}
	old.Status = AppointmentStatusCancelled
	if err := c.repos.Appointments.Update(ctx, old); err != nil {
		return errors.Wrapf(err, "cancel appointment %s", ref)
	}
	c.logger.Info().Str("appointment_id", old.ID).Msg("appointment cancelled")
	return nil
}

// Future is the handle of an asynchronous booking. Done is closed exactly once
// when the booking has finished.
type Future struct {
	done   chan struct{}
	once   sync.Once
	result *BookingResult
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(result *BookingResult, err error) {
	f.once.Do(func() {
		f.result, f.err = result, err
		close(f.done)
	})
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the booking has finished.
func (f *Future) Result() (*BookingResult, error) {
	<-f.done
	return f.result, f.err
}

// BookAsync runs Book on its own goroutine and returns immediately. ctx
// should outlive the HTTP request; cancelling it interrupts bookings that
// have not finished. Panics are reported as job failures.
func (c *Coordinator) BookAsync(ctx context.Context, body []byte) *Future {
	f := newFuture()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error().Interface("panic", r).Msg("async booking panicked")
				f.complete(nil, errors.Newf("panic: %v", r))
			}
		}()

		if err := ctx.Err(); err != nil {
			f.complete(nil, errors.Mark(err, ErrInterrupted))
			return
		}
		result, err := c.Book(ctx, body)
		if err != nil && ctx.Err() != nil {
			err = errors.Mark(err, ErrInterrupted)
		}
		f.complete(result, err)
	}()
	return f
}
