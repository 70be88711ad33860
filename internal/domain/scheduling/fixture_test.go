package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ehr/mockserver/internal/platform/clock"
	"github.com/ehr/mockserver/internal/platform/fhir"
	"github.com/ehr/mockserver/internal/platform/store"
)

// testNow is one day before the appointments used in the tests.
var testNow = time.Date(2030, 1, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	store *store.MemoryStore
	clock *clock.MockClock
	coord *Coordinator
	guard *PatchGuard
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	clk := clock.NewMockClock(testNow)
	coord := NewCoordinator(s, clk, zerolog.Nop())
	f := &fixture{
		store: s,
		clock: clk,
		coord: coord,
		guard: NewPatchGuard(coord.Repositories(), zerolog.Nop()),
	}
	f.put(t, "Patient", "p1", `{"resourceType":"Patient","id":"p1","active":true}`)
	f.put(t, "Patient", "p-inactive", `{"resourceType":"Patient","id":"p-inactive","active":false}`)
	f.put(t, "Schedule", "S1", `{"resourceType":"Schedule","id":"S1"}`)
	return f
}

func (f *fixture) put(t *testing.T, resourceType, id, body string) {
	t.Helper()
	_, err := f.store.Update(context.Background(), resourceType, id, json.RawMessage(body))
	require.NoError(t, err)
}

func (f *fixture) putSlot(t *testing.T, id, status, start, end string) {
	t.Helper()
	f.put(t, "Slot", id, fmt.Sprintf(
		`{"resourceType":"Slot","id":%q,"schedule":{"reference":"Schedule/S1"},"status":%q,"start":%q,"end":%q}`,
		id, status, start, end))
}

func (f *fixture) readSlot(t *testing.T, id string) *Slot {
	t.Helper()
	sl, err := f.coord.Repositories().Slots.Get(context.Background(), id)
	require.NoError(t, err)
	return sl
}

func (f *fixture) readAppointment(t *testing.T, id string) *Appointment {
	t.Helper()
	a, err := f.coord.Repositories().Appointments.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

// appt describes an incoming Appointment.
type appt struct {
	status        string
	start, end    string
	system        string
	patient       string
	slot          string
	omitStartEnd  bool
	omitPatient   bool
	omitService   bool
	extraElements string
}

func validAppt() appt {
	return appt{
		status:  "proposed",
		start:   "2030-01-02T10:30:00Z",
		end:     "2030-01-02T10:45:00Z",
		system:  ServiceTypeSystem,
		patient: "Patient/p1",
	}
}

func (a appt) json() string {
	var fields []string
	fields = append(fields, `"resourceType":"Appointment"`, fmt.Sprintf(`"status":%q`, a.status))
	if !a.omitStartEnd {
		fields = append(fields, fmt.Sprintf(`"start":%q,"end":%q`, a.start, a.end))
	}
	if !a.omitService {
		fields = append(fields, fmt.Sprintf(`"serviceType":[{"coding":[{"system":%q,"code":"124"}]}]`, a.system))
	}
	if a.slot != "" {
		fields = append(fields, fmt.Sprintf(`"slot":[{"reference":%q}]`, a.slot))
	}
	if !a.omitPatient {
		fields = append(fields, fmt.Sprintf(`"participant":[{"actor":{"reference":%q},"status":"accepted"}]`, a.patient))
	}
	if a.extraElements != "" {
		fields = append(fields, a.extraElements)
	}
	return "{" + strings.Join(fields, ",") + "}"
}

// bookParams wraps an Appointment in $book Parameters.
func bookParams(a appt, schedule, cancelled string) string {
	parts := []string{fmt.Sprintf(`{"name":"appt-resource","resource":%s}`, a.json())}
	if schedule != "" {
		parts = append(parts, fmt.Sprintf(`{"name":"schedule","valueReference":{"reference":%q}}`, schedule))
	}
	if cancelled != "" {
		parts = append(parts, fmt.Sprintf(`{"name":"cancelled-appt-id","valueReference":{"reference":%q}}`, cancelled))
	}
	return `{"resourceType":"Parameters","parameter":[` + strings.Join(parts, ",") + `]}`
}

func locations(o *fhir.OperationOutcome) []string {
	var out []string
	for _, issue := range o.Issue {
		out = append(out, strings.Join(issue.Expression, ","))
	}
	return out
}
