package scheduling

import (
	"github.com/ehr/mockserver/internal/platform/fhir"
)

// Appointment statuses.
const (
	AppointmentStatusProposed  = "proposed"
	AppointmentStatusBooked    = "booked"
	AppointmentStatusCancelled = "cancelled"
)

// Slot statuses.
const (
	SlotStatusFree = "free"
	SlotStatusBusy = "busy"
)

const (
	// ServiceTypeSystem is the code system the first coding of some serviceType must use.
	ServiceTypeSystem = "http://terminology.hl7.org/CodeSystem/service-type"
	// ReplacesExtensionURL marks the Appointment a rescheduled booking supersedes.
	ReplacesExtensionURL = "http://hl7.org/fhir/5.0/StructureDefinition/extension-Appointment.replaces"
)

// Appointment is the FHIR Appointment resource. Only the elements the
// booking engine reads or writes are typed; everything else is carried
// through unchanged.
type Appointment struct {
	ResourceType string                   `json:"resourceType"`
	ID           string                   `json:"id,omitempty"`
	Meta         *fhir.Meta               `json:"meta,omitempty"`
	Extension    []fhir.Extension         `json:"extension,omitempty"`
	Status       string                   `json:"status,omitempty"`
	ServiceType  []fhir.CodeableConcept   `json:"serviceType,omitempty"`
	Start        *fhir.Instant            `json:"start,omitempty"`
	End          *fhir.Instant            `json:"end,omitempty"`
	Slot         []fhir.Reference         `json:"slot,omitempty"`
	Participant  []AppointmentParticipant `json:"participant,omitempty"`

	extras fhir.Extras
}

type appointmentAlias Appointment

func (a Appointment) MarshalJSON() ([]byte, error) {
	a.ResourceType = "Appointment"
	return fhir.MarshalWithExtras(appointmentAlias(a), a.extras)
}

func (a *Appointment) UnmarshalJSON(data []byte) error {
	var alias appointmentAlias
	extras, err := fhir.UnmarshalWithExtras(data, &alias)
	if err != nil {
		return err
	}
	*a = Appointment(alias)
	a.extras = extras
	return nil
}

// HasSlot reports whether a slot reference is attached.
func (a *Appointment) HasSlot() bool {
	return len(a.Slot) > 0
}

// SlotReference returns the first slot reference, the only one considered.
func (a *Appointment) SlotReference() string {
	if len(a.Slot) == 0 {
		return ""
	}
	return a.Slot[0].Reference
}

// PatientReference returns the actor of the first participant, which is
// expected to be the Patient.
func (a *Appointment) PatientReference() string {
	if len(a.Participant) == 0 || a.Participant[0].Actor == nil {
		return ""
	}
	return a.Participant[0].Actor.Reference
}

// AddReplaces records that this Appointment supersedes the referenced one.
func (a *Appointment) AddReplaces(ref string) {
	a.Extension = append(a.Extension, fhir.Extension{
		URL:            ReplacesExtensionURL,
		ValueReference: &fhir.Reference{Reference: ref},
	})
}

// Replaces returns the reference of the superseded Appointment, if any.
func (a *Appointment) Replaces() (string, bool) {
	for _, ext := range a.Extension {
		if ext.URL == ReplacesExtensionURL && ext.ValueReference != nil {
			return ext.ValueReference.Reference, true
		}
	}
	return "", false
}

type AppointmentParticipant struct {
	Type     []fhir.CodeableConcept `json:"type,omitempty"`
	Actor    *fhir.Reference        `json:"actor,omitempty"`
	Required string                 `json:"required,omitempty"`
	Status   string                 `json:"status,omitempty"`

	extras fhir.Extras
}

type participantAlias AppointmentParticipant

func (p AppointmentParticipant) MarshalJSON() ([]byte, error) {
	return fhir.MarshalWithExtras(participantAlias(p), p.extras)
}

func (p *AppointmentParticipant) UnmarshalJSON(data []byte) error {
	var alias participantAlias
	extras, err := fhir.UnmarshalWithExtras(data, &alias)
	if err != nil {
		return err
	}
	*p = AppointmentParticipant(alias)
	p.extras = extras
	return nil
}

// Slot is the FHIR Slot resource.
type Slot struct {
	ResourceType string         `json:"resourceType"`
	ID           string         `json:"id,omitempty"`
	Meta         *fhir.Meta     `json:"meta,omitempty"`
	Schedule     fhir.Reference `json:"schedule"`
	Status       string         `json:"status"`
	Start        *fhir.Instant  `json:"start,omitempty"`
	End          *fhir.Instant  `json:"end,omitempty"`

	extras fhir.Extras
}

type slotAlias Slot

func (s Slot) MarshalJSON() ([]byte, error) {
	s.ResourceType = "Slot"
	return fhir.MarshalWithExtras(slotAlias(s), s.extras)
}

func (s *Slot) UnmarshalJSON(data []byte) error {
	var alias slotAlias
	extras, err := fhir.UnmarshalWithExtras(data, &alias)
	if err != nil {
		return err
	}
	*s = Slot(alias)
	s.extras = extras
	return nil
}

// Reference returns the relative literal reference of the slot.
func (s *Slot) Reference() string {
	return "Slot/" + s.ID
}

// Overlaps reports whether the slot and [start, end] are not disjoint.
// Touching intervals count as overlapping.
func (s *Slot) Overlaps(start, end fhir.Instant) bool {
	if s.Start == nil || s.End == nil {
		return false
	}
	return !(s.End.Before(start) || s.Start.After(end))
}

// Contains reports whether [start, end] lies within the slot, bounds included.
func (s *Slot) Contains(start, end fhir.Instant) bool {
	if s.Start == nil || s.End == nil {
		return false
	}
	return !start.Before(*s.Start) && !end.After(*s.End)
}

// Schedule is read only to check that it exists.
type Schedule struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Active       *bool  `json:"active,omitempty"`
}

// Patient carries the active flag that gates booking.
type Patient struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Active       *bool  `json:"active,omitempty"`
}

// IsActive treats an absent active element as false.
func (p *Patient) IsActive() bool {
	return p.Active != nil && *p.Active
}
