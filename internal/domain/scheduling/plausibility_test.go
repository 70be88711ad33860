package scheduling

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/ehr/mockserver/internal/platform/fhir"
)

func TestChecker_ServiceType(t *testing.T) {
	correct := fhir.Coding{System: ServiceTypeSystem, Code: "124"}
	other := fhir.Coding{System: "http://example.org/other", Code: "x"}

	tests := []struct {
		name        string
		serviceType []fhir.CodeableConcept
		wantIssue   bool
	}{
		{"single correct coding", []fhir.CodeableConcept{{Coding: []fhir.Coding{correct}}}, false},
		{"correct first coding of a later serviceType", []fhir.CodeableConcept{
			{Coding: []fhir.Coding{other}},
			{Coding: []fhir.Coding{correct, other}},
		}, false},
		{"correct system only on a later coding", []fhir.CodeableConcept{{Coding: []fhir.Coding{other, correct}}}, true},
		{"no coding", []fhir.CodeableConcept{{Text: "check-up"}}, true},
		{"no serviceType", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(Repositories{}, nil, zerolog.Nop())
			b := fhir.NewOutcomeBuilder()
			c.checkServiceType(&Appointment{ServiceType: tt.serviceType}, b)

			if tt.wantIssue {
				assert.Equal(t, []string{LocServiceType}, locations(b.Build()))
			} else {
				assert.Empty(t, b.Build().Issue)
			}
		})
	}
}
