package scheduling

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBookingPayload_BareAppointment(t *testing.T) {
	payload, err := DecodeBookingPayload([]byte(validAppt().json()))
	require.NoError(t, err)

	assert.Equal(t, PayloadAppointment, payload.Kind)
	assert.Equal(t, AppointmentStatusProposed, payload.Appointment.Status)
	assert.Equal(t, "Patient/p1", payload.Appointment.PatientReference())
	assert.Nil(t, payload.Schedule)
	assert.Nil(t, payload.CancelledAppointment)
}

func TestDecodeBookingPayload_Parameters(t *testing.T) {
	payload, err := DecodeBookingPayload([]byte(bookParams(validAppt(), "Schedule/S1", "Appointment/old")))
	require.NoError(t, err)

	assert.Equal(t, PayloadParameters, payload.Kind)
	require.NotNil(t, payload.Schedule)
	assert.Equal(t, "Schedule/S1", payload.Schedule.Reference)
	require.NotNil(t, payload.CancelledAppointment)
	assert.Equal(t, "Appointment/old", payload.CancelledAppointment.Reference)
	assert.Equal(t, "2030-01-02T10:30:00Z", payload.Appointment.Start.Raw)
}

func TestDecodeBookingPayload_OptionalReferencesAbsent(t *testing.T) {
	payload, err := DecodeBookingPayload([]byte(bookParams(validAppt(), "", "")))
	require.NoError(t, err)
	assert.Nil(t, payload.Schedule)
	assert.Nil(t, payload.CancelledAppointment)
}

func TestDecodeBookingPayload_Errors(t *testing.T) {
	tests := map[string]string{
		"unsupported type":         `{"resourceType":"Bundle"}`,
		"missing resourceType":     `{"status":"proposed"}`,
		"appt-resource wrong type": `{"resourceType":"Parameters","parameter":[{"name":"appt-resource","resource":{"resourceType":"Patient"}}]}`,
		"appt-resource empty":      `{"resourceType":"Parameters","parameter":[{"name":"appt-resource"}]}`,
		"schedule without reference": `{"resourceType":"Parameters","parameter":[` +
			`{"name":"appt-resource","resource":{"resourceType":"Appointment","status":"proposed"}},` +
			`{"name":"schedule","valueString":"S1"}]}`,
		"bad instant": `{"resourceType":"Appointment","start":"tomorrow"}`,
		"two appt-resources": `{"resourceType":"Parameters","parameter":[` +
			`{"name":"appt-resource","resource":{"resourceType":"Appointment","status":"proposed"}},` +
			`{"name":"appt-resource","resource":{"resourceType":"Appointment","status":"booked"}}]}`,
		"two schedules": `{"resourceType":"Parameters","parameter":[` +
			`{"name":"appt-resource","resource":{"resourceType":"Appointment","status":"proposed"}},` +
			`{"name":"schedule","valueReference":{"reference":"Schedule/S1"}},` +
			`{"name":"schedule","valueReference":{"reference":"Schedule/S2"}}]}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeBookingPayload([]byte(body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedRequest))
		})
	}
}

func TestPayloadKind_String(t *testing.T) {
	assert.Equal(t, "Appointment", PayloadAppointment.String())
	assert.Equal(t, "Parameters", PayloadParameters.String())
	assert.Equal(t, "unknown", PayloadKind(0).String())
}

func TestDecodeBookingPayload_DuplicateApptResourceMessage(t *testing.T) {
	body := `{"resourceType":"Parameters","parameter":[` +
		`{"name":"appt-resource","resource":{"resourceType":"Appointment"}},` +
		`{"name":"appt-resource","resource":{"resourceType":"Appointment"}},` +
		`{"name":"appt-resource","resource":{"resourceType":"Appointment"}}]}`

	_, err := DecodeBookingPayload([]byte(body))
	require.Error(t, err)
	assert.Equal(t, "Parameter 'appt-resource' must appear at most once but appears 3 times", err.Error())
}
