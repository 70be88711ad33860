package scheduling

import (
	"encoding/json"

	"github.com/cockroachdb/errors"

	"github.com/ehr/mockserver/internal/platform/fhir"
)

var (
	// ErrMalformedRequest marks requests that cannot be processed at all,
	// as opposed to business-rule violations reported as issues.
	ErrMalformedRequest = errors.New("malformed request")
	// ErrAppointmentNotFound is returned when a PATCH targets an unknown Appointment.
	ErrAppointmentNotFound = errors.New("appointment not found")
)

func malformed(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrMalformedRequest)
}

// Names of the $book input parameters.
const (
	ParamAppointment          = "appt-resource"
	ParamSchedule             = "schedule"
	ParamCancelledAppointment = "cancelled-appt-id"
)

// PayloadKind tells which resource a $book body carried.
type PayloadKind int

const (
	PayloadAppointment PayloadKind = iota + 1
	PayloadParameters
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadAppointment:
		return "Appointment"
	case PayloadParameters:
		return "Parameters"
	}
	return "unknown"
}

// BookingPayload is the decoded $book input. Schedule and
// CancelledAppointment are only ever set for PayloadParameters.
type BookingPayload struct {
	Kind                 PayloadKind
	Appointment          *Appointment
	Schedule             *fhir.Reference
	CancelledAppointment *fhir.Reference
}

// DecodeBookingPayload decodes a $book request body. The body is either a
// bare Appointment or a Parameters resource with an appt-resource part and
// optional schedule and cancelled-appt-id references. Every error returned
// is marked with ErrMalformedRequest.
func DecodeBookingPayload(body []byte) (*BookingPayload, error) {
	resourceType, err := fhir.ResourceTypeOf(body)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode request body"), ErrMalformedRequest)
	}

	switch resourceType {
	case "Appointment":
		var appt Appointment
		if err := json.Unmarshal(body, &appt); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "decode Appointment"), ErrMalformedRequest)
		}
		return &BookingPayload{Kind: PayloadAppointment, Appointment: &appt}, nil

	case "Parameters":
		var params fhir.Parameters
		if err := json.Unmarshal(body, &params); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "decode Parameters"), ErrMalformedRequest)
		}
		return decodeParameters(&params)
	}

	return nil, malformed("Unsupported resource type in incoming body: %s", resourceType)
}

func decodeParameters(params *fhir.Parameters) (*BookingPayload, error) {
	for _, name := range []string{ParamAppointment, ParamSchedule, ParamCancelledAppointment} {
		if n := len(params.All(name)); n > 1 {
			return nil, malformed("Parameter '%s' must appear at most once but appears %d times", name, n)
		}
	}
	p, ok := params.Get(ParamAppointment)
	if !ok || len(p.Resource) == 0 {
		return nil, malformed("Could not find an Appointment resource in incoming Parameters")
	}
	if rt, err := fhir.ResourceTypeOf(p.Resource); err != nil || rt != "Appointment" {
		return nil, malformed("Could not find an Appointment resource in incoming Parameters")
	}
	var appt Appointment
	if err := json.Unmarshal(p.Resource, &appt); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "decode appt-resource"), ErrMalformedRequest)
	}

	payload := &BookingPayload{Kind: PayloadParameters, Appointment: &appt}
	if payload.Schedule, ok = referenceParam(params, ParamSchedule); !ok {
		return nil, malformed("Parameter '%s' must carry a valueReference", ParamSchedule)
	}
	if payload.CancelledAppointment, ok = referenceParam(params, ParamCancelledAppointment); !ok {
		return nil, malformed("Parameter '%s' must carry a valueReference", ParamCancelledAppointment)
	}
	return payload, nil
}

// referenceParam returns the valueReference of the named parameter. A missing
// parameter yields (nil, true); a present one without a reference (nil, false).
func referenceParam(params *fhir.Parameters, name string) (*fhir.Reference, bool) {
	p, ok := params.Get(name)
	if !ok {
		return nil, true
	}
	if p.ValueReference == nil || p.ValueReference.Reference == "" {
		return nil, false
	}
	ref := *p.ValueReference
	return &ref, true
}
