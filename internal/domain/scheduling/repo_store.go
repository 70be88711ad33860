package scheduling

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/ehr/mockserver/internal/platform/fhir"
	"github.com/ehr/mockserver/internal/platform/store"
)

// NewStoreRepositories returns repositories backed by the generic resource store.
func NewStoreRepositories(s store.Store) Repositories {
	return Repositories{
		Appointments: &appointmentStoreRepo{s: s},
		Slots:        &slotStoreRepo{s: s},
		Schedules:    &scheduleStoreRepo{s: s},
		Patients:     &patientStoreRepo{s: s},
	}
}

// resolve maps a reference onto an id of the expected type. References to a
// different resource type cannot resolve.
func resolve(resourceType, ref string) (string, error) {
	rt, id := fhir.ParseReference(ref)
	if id == "" || (rt != "" && rt != resourceType) {
		return "", errors.Mark(errors.Newf("%s reference %q does not resolve", resourceType, ref), store.ErrNotFound)
	}
	return id, nil
}

func read(ctx context.Context, s store.Store, resourceType, ref string, v any) error {
	id, err := resolve(resourceType, ref)
	if err != nil {
		return err
	}
	raw, err := s.Read(ctx, resourceType, id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrapf(err, "decode %s/%s", resourceType, id)
	}
	return nil
}

func write(ctx context.Context, s store.Store, resourceType, id string, create bool, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.Wrapf(err, "encode %s", resourceType)
	}
	var stored json.RawMessage
	if create {
		stored, err = s.Create(ctx, resourceType, id, body)
	} else {
		stored, err = s.Update(ctx, resourceType, id, body)
	}
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(stored, out); err != nil {
		return errors.Wrapf(err, "decode stored %s/%s", resourceType, id)
	}
	return nil
}

type appointmentStoreRepo struct {
	s store.Store
}

func (r *appointmentStoreRepo) Get(ctx context.Context, ref string) (*Appointment, error) {
	var a Appointment
	if err := read(ctx, r.s, "Appointment", ref, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *appointmentStoreRepo) Create(ctx context.Context, a *Appointment) (*Appointment, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	var out Appointment
	if err := write(ctx, r.s, "Appointment", a.ID, true, a, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *appointmentStoreRepo) Update(ctx context.Context, a *Appointment) error {
	return write(ctx, r.s, "Appointment", a.ID, false, a, nil)
}

type slotStoreRepo struct {
	s store.Store
}

func (r *slotStoreRepo) Get(ctx context.Context, ref string) (*Slot, error) {
	var sl Slot
	if err := read(ctx, r.s, "Slot", ref, &sl); err != nil {
		return nil, err
	}
	return &sl, nil
}

func (r *slotStoreRepo) Create(ctx context.Context, sl *Slot) (*Slot, error) {
	if sl.ID == "" {
		sl.ID = uuid.New().String()
	}
	var out Slot
	if err := write(ctx, r.s, "Slot", sl.ID, true, sl, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *slotStoreRepo) Update(ctx context.Context, sl *Slot) error {
	return write(ctx, r.s, "Slot", sl.ID, false, sl, nil)
}

func (r *slotStoreRepo) StartingBefore(ctx context.Context, scheduleRef string, before fhir.Instant) ([]*Slot, error) {
	raws, err := r.s.Search(ctx, "Slot", []store.Criterion{
		store.Eq("schedule", scheduleRef),
		store.Lt("start", before.Raw),
	})
	if err != nil {
		return nil, errors.Wrap(err, "search slots")
	}
	slots := make([]*Slot, 0, len(raws))
	for _, raw := range raws {
		var sl Slot
		if err := json.Unmarshal(raw, &sl); err != nil {
			return nil, errors.Wrap(err, "decode slot")
		}
		slots = append(slots, &sl)
	}
	return slots, nil
}

type scheduleStoreRepo struct {
	s store.Store
}

func (r *scheduleStoreRepo) Get(ctx context.Context, ref string) (*Schedule, error) {
	var sc Schedule
	if err := read(ctx, r.s, "Schedule", ref, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

type patientStoreRepo struct {
	s store.Store
}

func (r *patientStoreRepo) Get(ctx context.Context, ref string) (*Patient, error) {
	var p Patient
	if err := read(ctx, r.s, "Patient", ref, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
