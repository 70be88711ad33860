package scheduling

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/ehr/mockserver/internal/platform/fhir"
	"github.com/ehr/mockserver/internal/platform/store"
)

// Paths of Appointment elements that a PATCH must leave unchanged.
const (
	PathSlot    = "Appointment.slot"
	PathStart   = "Appointment.start"
	PathEnd     = "Appointment.end"
	PathPatient = "Appointment.participant.actor.where(resolve() is Patient)"
)

// PatchGuard decides whether a FHIRPath Patch may be applied to a booked
// Appointment. It never applies the patch itself.
type PatchGuard struct {
	repos  Repositories
	logger zerolog.Logger
}

func NewPatchGuard(repos Repositories, logger zerolog.Logger) *PatchGuard {
	return &PatchGuard{repos: repos, logger: logger}
}

// Validate checks the patch against the stored Appointment. Every operation
// is inspected, whatever spelling of a guarded path it uses, and every
// violation is reported. An unknown Appointment yields an error marked
// ErrAppointmentNotFound.
//
// Values are compared as literal strings, so the same instant written with a
// different offset or precision counts as a change.
func (g *PatchGuard) Validate(ctx context.Context, params *fhir.Parameters, appointmentID string) (*fhir.OperationOutcome, error) {
	original, err := g.repos.Appointments.Get(ctx, appointmentID)
	if store.IsNotFound(err) {
		return nil, errors.Mark(errors.Wrapf(err, "Appointment/%s", appointmentID), ErrAppointmentNotFound)
	}
	if err != nil {
		return nil, err
	}

	ops := fhir.ParsePatchParameters(params)
	b := fhir.NewOutcomeBuilder()
	reported := map[string]bool{}

	g.checkReplaceOnly(ops, b)

	checkedPatients := map[string]bool{}
	for _, op := range ops {
		path := normalizePath(op.Path)
		before := len(b.Build().Issue)
		switch path {
		case PathSlot:
			if ref, ok := referenceValue(op, b); ok && ref != original.SlotReference() {
				g.logger.Info().Str("original", original.SlotReference()).Str("patch", ref).Msg("patch changes Appointment.slot")
				slotChanged(b, original.SlotReference(), ref)
			}
		case PathStart:
			if v, ok := dateTimeValue(op, b); ok && v != fhir.RawOf(original.Start) {
				startChanged(b, fhir.RawOf(original.Start), v)
			}
		case PathEnd:
			if v, ok := dateTimeValue(op, b); ok && v != fhir.RawOf(original.End) {
				endChanged(b, fhir.RawOf(original.End), v)
			}
		case PathPatient:
			ref, ok := referenceValue(op, b)
			if ok && ref != original.PatientReference() {
				patientChanged(b, original.PatientReference(), ref)
			}
			if ok && !checkedPatients[ref] {
				checkedPatients[ref] = true
				if err := g.checkPatientActive(ctx, ref, b); err != nil {
					return nil, err
				}
			}
		}
		if len(b.Build().Issue) > before {
			reported[path] = true
		}
	}

	if err := g.checkPatchedResult(original, ops, reported, b); err != nil {
		return nil, err
	}

	outcome := b.Build()
	if outcome.HasErrors() {
		g.logger.Info().
			Str("appointment_id", appointmentID).
			Strs("issues", outcome.Diagnostics()).
			Msg("patch rejected")
	}
	return outcome, nil
}

// checkReplaceOnly reports every operation whose type is set to something
// other than replace.
func (g *PatchGuard) checkReplaceOnly(ops []fhir.PatchOperation, b *fhir.OutcomeBuilder) {
	for _, op := range ops {
		if op.Type == "" || op.Type == fhir.PatchOpReplace {
			continue
		}
		path := op.Path
		if path == "" {
			path = "unknown path"
		}
		b.Errorf(fhir.IssueTypeNotSupported, path, "This server only supports operation type 'replace' but was '%s'", op.Type)
	}
}

func (g *PatchGuard) checkPatientActive(ctx context.Context, ref string, b *fhir.OutcomeBuilder) error {
	patient, err := g.repos.Patients.Get(ctx, ref)
	if store.IsNotFound(err) {
		b.Errorf(fhir.IssueTypeNotFound, LocParticipantActor, "Patient with reference: %s not found", ref)
		return nil
	}
	if err != nil {
		return err
	}
	checkPatientActive(patient, b)
	return nil
}

var indexSuffix = regexp.MustCompile(`\[\d+\]`)

// normalizePath folds the indexed and first() spellings of a path into the
// plain form, so Appointment.slot[0] and Appointment.slot.first() both guard
// Appointment.slot.
func normalizePath(path string) string {
	path = indexSuffix.ReplaceAllString(strings.TrimSpace(path), "")
	return strings.ReplaceAll(path, ".first()", "")
}

// checkPatchedResult applies the patch to a copy of the stored Appointment
// and compares the guarded elements of the result. It catches paths that
// reach a guarded element without naming it, such as
// Appointment.participant[0].actor or Appointment.slot.reference. Elements
// that an operation already raised an issue for are skipped. A patch that cannot be
// applied is left to the resource handler.
func (g *PatchGuard) checkPatchedResult(original *Appointment, ops []fhir.PatchOperation, reported map[string]bool, b *fhir.OutcomeBuilder) error {
	raw, err := json.Marshal(original)
	if err != nil {
		return errors.Wrap(err, "encode stored appointment")
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return errors.Wrap(err, "decode stored appointment")
	}
	patched, err := fhir.ApplyFHIRPathPatch(doc, ops)
	if err != nil {
		return nil
	}
	raw, err = json.Marshal(patched)
	if err != nil {
		return errors.Wrap(err, "encode patched appointment")
	}
	var result Appointment
	if err := json.Unmarshal(raw, &result); err != nil {
		b.Errorf(fhir.IssueTypeInvalid, "Appointment", "The patched Appointment is not valid: %v", err)
		return nil
	}

	if !reported[PathSlot] && result.SlotReference() != original.SlotReference() {
		slotChanged(b, original.SlotReference(), result.SlotReference())
	}
	if !reported[PathStart] && fhir.RawOf(result.Start) != fhir.RawOf(original.Start) {
		startChanged(b, fhir.RawOf(original.Start), fhir.RawOf(result.Start))
	}
	if !reported[PathEnd] && fhir.RawOf(result.End) != fhir.RawOf(original.End) {
		endChanged(b, fhir.RawOf(original.End), fhir.RawOf(result.End))
	}
	if !reported[PathPatient] && result.PatientReference() != original.PatientReference() {
		patientChanged(b, original.PatientReference(), result.PatientReference())
	}
	return nil
}

func slotChanged(b *fhir.OutcomeBuilder, original, patch string) {
	b.Errorf(fhir.IssueTypeBusinessRule, PathSlot,
		"Appointment.slot MUST NOT be changed. Original slot: %s - Patch slot: %s", original, patch)
}

func startChanged(b *fhir.OutcomeBuilder, original, patch string) {
	b.Errorf(fhir.IssueTypeBusinessRule, PathStart,
		"Appointment.start MUST NOT be changed. Original start: %s | Patch start: %s", original, patch)
}

func endChanged(b *fhir.OutcomeBuilder, original, patch string) {
	b.Errorf(fhir.IssueTypeBusinessRule, PathEnd,
		"Appointment.end MUST NOT be changed. Original end: %s | Patch end: %s", original, patch)
}

func patientChanged(b *fhir.OutcomeBuilder, original, patch string) {
	b.Errorf(fhir.IssueTypeBusinessRule, PathPatient,
		"The Patient Reference MUST NOT be changed. Original Patient: %s | Patch Patient: %s", original, patch)
}

func referenceValue(op fhir.PatchOperation, b *fhir.OutcomeBuilder) (string, bool) {
	if op.Value == nil || op.Value.ValueReference == nil {
		b.Errorf(fhir.IssueTypeRequired, op.Path, "The 'valueReference' part with a valid Reference is missing in the '%s' operation.", op.Path)
		return "", false
	}
	return op.Value.ValueReference.Reference, true
}

func dateTimeValue(op fhir.PatchOperation, b *fhir.OutcomeBuilder) (string, bool) {
	var v *fhir.Instant
	if op.Value != nil {
		v = op.Value.DateTimeValue()
	}
	if v == nil {
		b.Errorf(fhir.IssueTypeRequired, op.Path, "The 'value' part with a valid DateTime is missing in the '%s' operation.", op.Path)
		return "", false
	}
	return v.Raw, true
}
