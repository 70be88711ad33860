package scheduling

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ehr/mockserver/internal/platform/clock"
	"github.com/ehr/mockserver/internal/platform/fhir"
	"github.com/ehr/mockserver/internal/platform/store"
)

// Issue locations reported by the booking rules.
const (
	LocStartOrEnd           = "Appointment.start or Appointment.end"
	LocStart                = "Appointment.start"
	LocEnd                  = "Appointment.end"
	LocStatus               = "Appointment.status"
	LocServiceType          = "Appointment.serviceType"
	LocSlot                 = "Appointment.slot"
	LocSlotStatus           = "Appointment.slot.status"
	LocParticipantActor     = "Appointment.participant.actor"
	LocPatientActive        = "Appointment.patient.active"
	LocSchedule             = "Parameters.schedule"
	LocCancelledAppointment = "Parameters.cancelled-appt-id"
)

// Checker evaluates an incoming Appointment against the booking rules. It
// reads referenced resources but never writes.
type Checker struct {
	repos  Repositories
	clock  clock.Clock
	logger zerolog.Logger
}

func NewChecker(repos Repositories, clk clock.Clock, logger zerolog.Logger) *Checker {
	return &Checker{repos: repos, clock: clk, logger: logger}
}

// Check runs every rule and returns all violations. Referenced resources that
// do not exist become issues; only store failures are returned as errors.
func (c *Checker) Check(ctx context.Context, appt *Appointment, cancelled *fhir.Reference) (*fhir.OperationOutcome, error) {
	b := fhir.NewOutcomeBuilder()

	c.checkStartAndEndPresent(appt, b)
	c.checkStartInFuture(appt, b)
	c.checkStatusProposed(appt, b)
	c.checkServiceType(appt, b)

	if appt.HasSlot() {
		if err := c.checkSlot(ctx, appt, b); err != nil {
			return nil, err
		}
	}
	if err := c.checkPatient(ctx, appt.PatientReference(), b); err != nil {
		return nil, err
	}
	if cancelled != nil {
		if err := c.checkCancelledAppointment(ctx, cancelled.Reference, b); err != nil {
			return nil, err
		}
	}
	return b.Build(), nil
}

func (c *Checker) checkStartAndEndPresent(appt *Appointment, b *fhir.OutcomeBuilder) {
	if appt.Start == nil || appt.End == nil {
		c.logger.Info().Msg("incoming appointment: start or end date are missing")
		b.Errorf(fhir.IssueTypeRequired, LocStartOrEnd, "Start or end date are missing.")
	}
}

func (c *Checker) checkStartInFuture(appt *Appointment, b *fhir.OutcomeBuilder) {
	if appt.Start == nil {
		return
	}
	if !appt.Start.Time.After(c.clock.Now()) {
		c.logger.Info().Str("start", appt.Start.Raw).Msg("incoming appointment: start date is not in the future")
		b.Errorf(fhir.IssueTypeBusinessRule, LocStart, "Start date must be in the future.")
	}
}

func (c *Checker) checkStatusProposed(appt *Appointment, b *fhir.OutcomeBuilder) {
	if appt.Status != AppointmentStatusProposed {
		c.logger.Info().Str("status", appt.Status).Msg("incoming appointment: status is not proposed")
		b.Errorf(fhir.IssueTypeBusinessRule, LocStatus, "Status is '%s' but must be '%s'.", appt.Status, AppointmentStatusProposed)
	}
}

// checkServiceType accepts the Appointment when the first coding of any
// serviceType uses ServiceTypeSystem.
func (c *Checker) checkServiceType(appt *Appointment, b *fhir.OutcomeBuilder) {
	for _, st := range appt.ServiceType {
		if st.FirstCoding().System == ServiceTypeSystem {
			return
		}
	}
	c.logger.Info().Msg("incoming appointment: wrong code system for serviceType")
	b.Errorf(fhir.IssueTypeValue, LocServiceType, "Wrong CodeSystem for serviceType. Must be '%s'.", ServiceTypeSystem)
}

func (c *Checker) checkSlot(ctx context.Context, appt *Appointment, b *fhir.OutcomeBuilder) error {
	ref := appt.SlotReference()
	slot, err := c.repos.Slots.Get(ctx, ref)
	if store.IsNotFound(err) {
		c.logger.Info().Str("slot", ref).Msg("referenced slot not found")
		b.Errorf(fhir.IssueTypeNotFound, LocSlot, "Slot with ID: %s not found", ref)
		return nil
	}
	if err != nil {
		return err
	}

	if appt.Start != nil && appt.End != nil && !slot.Contains(*appt.Start, *appt.End) {
		b.Errorf(fhir.IssueTypeBusinessRule, LocStartOrEnd,
			"Appointment times must be within or equal to the start and end times of the referenced slot (Appointment.slot). "+
				"Appointment Start: %s, Appointment End: %s, Slot Start: %s, Slot End: %s",
			appt.Start, appt.End, fhir.RawOf(slot.Start), fhir.RawOf(slot.End))
	}
	if slot.Status != SlotStatusFree {
		c.logger.Info().Str("slot", ref).Str("status", slot.Status).Msg("referenced slot is not free")
		b.Errorf(fhir.IssueTypeBusinessRule, LocSlotStatus, "Status is '%s' but must be '%s'.", slot.Status, SlotStatusFree)
	}
	return nil
}

func (c *Checker) checkPatient(ctx context.Context, ref string, b *fhir.OutcomeBuilder) error {
	if ref == "" {
		b.Errorf(fhir.IssueTypeRequired, LocParticipantActor, "The Appointment must reference a Patient as participant actor.")
		return nil
	}
	patient, err := c.repos.Patients.Get(ctx, ref)
	if store.IsNotFound(err) {
		c.logger.Info().Str("patient", ref).Msg("referenced patient not found")
		b.Errorf(fhir.IssueTypeNotFound, LocParticipantActor, "Patient with reference: %s not found", ref)
		return nil
	}
	if err != nil {
		return err
	}
	checkPatientActive(patient, b)
	return nil
}

func checkPatientActive(patient *Patient, b *fhir.OutcomeBuilder) {
	if !patient.IsActive() {
		b.Errorf(fhir.IssueTypeBusinessRule, LocPatientActive, "The referenced Patient has 'active=false' but must be 'active=true'.")
	}
}

func (c *Checker) checkCancelledAppointment(ctx context.Context, ref string, b *fhir.OutcomeBuilder) error {
	_, err := c.repos.Appointments.Get(ctx, ref)
	if store.IsNotFound(err) {
		c.logger.Info().Str("appointment", ref).Msg("appointment for cancellation not found")
		b.Errorf(fhir.IssueTypeNotFound, LocCancelledAppointment, "Appointment for cancellation with ID %s not found (cancelled-appt-id)", ref)
		return nil
	}
	return err
}
