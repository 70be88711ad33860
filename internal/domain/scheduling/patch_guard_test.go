package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/mockserver/internal/platform/fhir"
)

const storedAppointment = `{"resourceType":"Appointment","id":"a1","status":"booked",` +
	`"start":"2030-01-02T10:30:00Z","end":"2030-01-02T10:45:00Z",` +
	`"slot":[{"reference":"Slot/s1"}],` +
	`"participant":[{"actor":{"reference":"Patient/p1"},"status":"accepted"}]}`

// patchOp renders one FHIRPath Patch operation. value is a complete value
// part such as {"name":"value","valueReference":{...}}, or empty.
func patchOp(opType, path, value string) string {
	parts := []string{fmt.Sprintf(`{"name":"type","valueCode":%q}`, opType)}
	if path != "" {
		parts = append(parts, fmt.Sprintf(`{"name":"path","valueString":%q}`, path))
	}
	if value != "" {
		parts = append(parts, value)
	}
	return `{"name":"operation","part":[` + strings.Join(parts, ",") + `]}`
}

func refValue(ref string) string {
	return fmt.Sprintf(`{"name":"value","valueReference":{"reference":%q}}`, ref)
}

func dateTimeValuePart(v string) string {
	return fmt.Sprintf(`{"name":"value","valueDateTime":%q}`, v)
}

func patchParams(t *testing.T, ops ...string) *fhir.Parameters {
	t.Helper()
	var p fhir.Parameters
	body := `{"resourceType":"Parameters","parameter":[` + strings.Join(ops, ",") + `]}`
	require.NoError(t, json.Unmarshal([]byte(body), &p))
	return &p
}

func newPatchFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	f.put(t, "Appointment", "a1", storedAppointment)
	return f
}

func TestPatchGuard_SlotChanged(t *testing.T) {
	f := newPatchFixture(t)

	outcome, err := f.guard.Validate(context.Background(),
		patchParams(t, patchOp("replace", PathSlot, refValue("Slot/other"))), "a1")
	require.NoError(t, err)

	require.Len(t, outcome.Issue, 1)
	assert.Equal(t, fhir.IssueSeverityError, outcome.Issue[0].Severity)
	assert.Equal(t, []string{PathSlot}, outcome.Issue[0].Expression)
	assert.Equal(t, "Appointment.slot MUST NOT be changed. Original slot: Slot/s1 - Patch slot: Slot/other",
		outcome.Issue[0].Diagnostics)
}

func TestPatchGuard_SameValuesPass(t *testing.T) {
	f := newPatchFixture(t)

	outcome, err := f.guard.Validate(context.Background(), patchParams(t,
		patchOp("replace", PathSlot, refValue("Slot/s1")),
		patchOp("replace", PathStart, dateTimeValuePart("2030-01-02T10:30:00Z")),
		patchOp("replace", PathEnd, `{"name":"value","valueInstant":"2030-01-02T10:45:00Z"}`),
		patchOp("replace", PathPatient, refValue("Patient/p1")),
		patchOp("replace", "Appointment.comment", `{"name":"value","valueString":"late"}`),
	), "a1")
	require.NoError(t, err)
	assert.False(t, outcome.HasErrors(), "issues: %v", outcome.Diagnostics())
}

func TestPatchGuard_InstantsCompareLiterally(t *testing.T) {
	f := newPatchFixture(t)

	outcome, err := f.guard.Validate(context.Background(), patchParams(t,
		patchOp("replace", PathStart, dateTimeValuePart("2030-01-02T11:30:00+01:00")),
	), "a1")
	require.NoError(t, err)
	require.Len(t, outcome.Issue, 1)
	assert.Equal(t, "Appointment.start MUST NOT be changed. Original start: 2030-01-02T10:30:00Z | Patch start: 2030-01-02T11:30:00+01:00",
		outcome.Issue[0].Diagnostics)
}

func TestPatchGuard_NonReplaceOperations(t *testing.T) {
	f := newPatchFixture(t)

	outcome, err := f.guard.Validate(context.Background(), patchParams(t,
		patchOp("add", "Appointment.comment", `{"name":"value","valueString":"x"}`),
		patchOp("delete", "", ""),
		patchOp("move", PathSlot, refValue("Slot/s1")),
	), "a1")
	require.NoError(t, err)

	assert.Equal(t, []string{"Appointment.comment", "unknown path", PathSlot}, locations(outcome))
	for _, issue := range outcome.Issue {
		assert.Equal(t, fhir.IssueTypeNotSupported, issue.Code)
	}
	assert.Contains(t, outcome.Issue[1].Diagnostics, "but was 'delete'")
}

func TestPatchGuard_MissingValue(t *testing.T) {
	f := newPatchFixture(t)

	outcome, err := f.guard.Validate(context.Background(), patchParams(t,
		patchOp("replace", PathSlot, ""),
		patchOp("replace", PathEnd, refValue("Slot/s1")),
	), "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{PathSlot, PathEnd}, locations(outcome))
	for _, issue := range outcome.Issue {
		assert.Equal(t, fhir.IssueTypeRequired, issue.Code)
	}
}

func TestPatchGuard_Patient(t *testing.T) {
	tests := []struct {
		name string
		ref  string
		want []string
	}{
		{name: "unchanged", ref: "Patient/p1"},
		{name: "changed to active patient", ref: "Patient/p2", want: []string{PathPatient}},
		{name: "changed to inactive patient", ref: "Patient/p-inactive", want: []string{PathPatient, LocPatientActive}},
		{name: "changed to unknown patient", ref: "Patient/ghost", want: []string{PathPatient, LocParticipantActor}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPatchFixture(t)
			f.put(t, "Patient", "p2", `{"resourceType":"Patient","active":true}`)

			outcome, err := f.guard.Validate(context.Background(),
				patchParams(t, patchOp("replace", PathPatient, refValue(tt.ref))), "a1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, locations(outcome))
		})
	}
}

func TestPatchGuard_PatientActiveCheckedEvenWhenUnchanged(t *testing.T) {
	f := newPatchFixture(t)
	f.put(t, "Patient", "p1", `{"resourceType":"Patient","active":false}`)

	outcome, err := f.guard.Validate(context.Background(),
		patchParams(t, patchOp("replace", PathPatient, refValue("Patient/p1"))), "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{LocPatientActive}, locations(outcome))
}

func TestPatchGuard_AppointmentNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.guard.Validate(context.Background(),
		patchParams(t, patchOp("replace", PathSlot, refValue("Slot/s1"))), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAppointmentNotFound))
}

func TestPatchGuard_EveryOperationIsCompared(t *testing.T) {
	f := newPatchFixture(t)

	outcome, err := f.guard.Validate(context.Background(), patchParams(t,
		patchOp("replace", PathSlot, refValue("Slot/s1")),
		patchOp("replace", PathSlot, refValue("Slot/other")),
	), "a1")
	require.NoError(t, err)

	require.Len(t, outcome.Issue, 1)
	assert.Equal(t, "Appointment.slot MUST NOT be changed. Original slot: Slot/s1 - Patch slot: Slot/other",
		outcome.Issue[0].Diagnostics)
}

func TestPatchGuard_PathSpellings(t *testing.T) {
	tests := []struct {
		name string
		op   string
		want []string
	}{
		{"indexed slot", patchOp("replace", "Appointment.slot[0]", refValue("Slot/other")), []string{PathSlot}},
		{"first slot", patchOp("replace", "Appointment.slot.first()", refValue("Slot/other")), []string{PathSlot}},
		{"slot reference element", patchOp("replace", "Appointment.slot[0].reference", `{"name":"value","valueString":"Slot/other"}`), []string{PathSlot}},
		{"indexed participant actor", patchOp("replace", "Appointment.participant[0].actor", refValue("Patient/p2")), []string{PathPatient}},
		{"unchanged indexed slot", patchOp("replace", "Appointment.slot[0]", refValue("Slot/s1")), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPatchFixture(t)
			f.put(t, "Patient", "p2", `{"resourceType":"Patient","active":true}`)

			outcome, err := f.guard.Validate(context.Background(), patchParams(t, tt.op), "a1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, locations(outcome))
		})
	}
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"Appointment.slot[0]":              PathSlot,
		" Appointment.slot.first() ":       PathSlot,
		"Appointment.participant[2].actor": "Appointment.participant.actor",
		"Appointment.start":                PathStart,
		PathPatient:                        PathPatient,
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizePath(in), in)
	}
}
