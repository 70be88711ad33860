package scheduling

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/ehr/mockserver/internal/platform/fhir"
	"github.com/ehr/mockserver/internal/platform/store"
)

// Allocation is the slot plan for an Appointment booked without a slot: a
// new busy slot covering the appointment and the free slots it absorbs.
type Allocation struct {
	Slot     *Slot
	Absorbed []*Slot
}

// Allocator finds a place on a schedule for an Appointment that arrived
// without a slot.
type Allocator struct {
	repos  Repositories
	logger zerolog.Logger
}

func NewAllocator(repos Repositories, logger zerolog.Logger) *Allocator {
	return &Allocator{repos: repos, logger: logger}
}

// Allocate plans the slot for appt on schedule. Nothing is written; the plan
// is applied with Commit once the whole booking is known to succeed. A nil
// schedule is a malformed request. Overlaps with busy slots are reported as
// an issue and yield no allocation.
func (a *Allocator) Allocate(ctx context.Context, appt *Appointment, schedule *fhir.Reference) (*Allocation, *fhir.OperationOutcome, error) {
	if schedule == nil || schedule.Reference == "" {
		return nil, nil, malformed("Slot is missing and could not find a Schedule Reference in incoming Parameters")
	}
	b := fhir.NewOutcomeBuilder()

	if _, err := a.repos.Schedules.Get(ctx, schedule.Reference); err != nil {
		if !store.IsNotFound(err) {
			return nil, nil, err
		}
		a.logger.Info().Str("schedule", schedule.Reference).Msg("schedule not found")
		b.Errorf(fhir.IssueTypeNotFound, LocSchedule, "Schedule with reference: %s not found", schedule.Reference)
	}

	// Without an interval there is nothing to place; the missing dates are
	// already reported by the plausibility check.
	if appt.Start == nil || appt.End == nil {
		return nil, b.Build(), nil
	}
	start, end := *appt.Start, *appt.End

	candidates, err := a.repos.Slots.StartingBefore(ctx, schedule.Reference, end)
	if err != nil {
		return nil, nil, err
	}

	var busy, free []*Slot
	for _, sl := range candidates {
		if !sl.Overlaps(start, end) {
			continue
		}
		switch sl.Status {
		case SlotStatusBusy:
			busy = append(busy, sl)
		case SlotStatusFree:
			free = append(free, sl)
		}
	}

	if len(busy) > 0 {
		details := overlapDetails(busy)
		a.logger.Info().
			Str("start", start.Raw).
			Str("end", end.Raw).
			Str("overlapping", details).
			Msg("incoming appointment overlaps busy slots")
		b.Errorf(fhir.IssueTypeConflict, LocStartOrEnd,
			"Incoming Appointment: Start and end are overlapping with existing slots. "+
				"Incoming Appointment Start: %s, Incoming Appointment End: %s, Overlapping Slots: \n%s",
			start, end, details)
		return nil, b.Build(), nil
	}

	plan := &Allocation{
		Slot: &Slot{
			ResourceType: "Slot",
			Schedule:     fhir.Reference{Reference: schedule.Reference},
			Status:       SlotStatusBusy,
			Start:        &start,
			End:          &end,
		},
		Absorbed: free,
	}
	return plan, b.Build(), nil
}

// Commit creates the planned slot, attaches it to appt and marks every
// absorbed free slot busy. Partially overlapping free slots are taken whole;
// their remaining capacity is not split off.
func (a *Allocator) Commit(ctx context.Context, appt *Appointment, plan *Allocation) error {
	created, err := a.repos.Slots.Create(ctx, plan.Slot)
	if err != nil {
		return errors.Wrap(err, "create slot")
	}
	a.logger.Info().Str("slot", created.ID).Msg("slot created")
	appt.Slot = append(appt.Slot, fhir.Reference{Reference: created.Reference()})

	for _, sl := range plan.Absorbed {
		sl.Status = SlotStatusBusy
		if err := a.repos.Slots.Update(ctx, sl); err != nil {
			return errors.Wrapf(err, "mark slot %s busy", sl.ID)
		}
	}
	return nil
}

// overlapDetails lists slots sorted by start, one per line.
func overlapDetails(slots []*Slot) string {
	sorted := make([]*Slot, len(slots))
	copy(sorted, slots)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(*sorted[j].Start)
	})
	lines := make([]string, 0, len(sorted))
	for _, sl := range sorted {
		lines = append(lines, fmt.Sprintf("%s: Start: %s, End: %s", sl.Reference(), sl.Start, sl.End))
	}
	return strings.Join(lines, "\n")
}
