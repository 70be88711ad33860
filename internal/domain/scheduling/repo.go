package scheduling

import (
	"context"

	"github.com/ehr/mockserver/internal/platform/fhir"
)

// References passed to the repositories may be relative ("Slot/1"),
// absolute or bare ids. A missing resource yields an error matching
// store.ErrNotFound.

type AppointmentRepository interface {
	Get(ctx context.Context, ref string) (*Appointment, error)
	Create(ctx context.Context, a *Appointment) (*Appointment, error)
	Update(ctx context.Context, a *Appointment) error
}

type SlotRepository interface {
	Get(ctx context.Context, ref string) (*Slot, error)
	Create(ctx context.Context, sl *Slot) (*Slot, error)
	Update(ctx context.Context, sl *Slot) error
	// StartingBefore returns every slot of the schedule whose start lies
	// strictly before the given instant.
	StartingBefore(ctx context.Context, scheduleRef string, before fhir.Instant) ([]*Slot, error)
}

type ScheduleRepository interface {
	Get(ctx context.Context, ref string) (*Schedule, error)
}

type PatientRepository interface {
	Get(ctx context.Context, ref string) (*Patient, error)
}

// Repositories bundles the resource access the booking engine needs.
type Repositories struct {
	Appointments AppointmentRepository
	Slots        SlotRepository
	Schedules    ScheduleRepository
	Patients     PatientRepository
}
