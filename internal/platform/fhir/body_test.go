package fhir

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondBodyError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{
			name:   "oversized body",
			err:    errors.Wrap(echo.NewHTTPError(http.StatusRequestEntityTooLarge, "too big"), "could not read request body"),
			status: http.StatusRequestEntityTooLarge,
			code:   IssueTypeTooCostly,
		},
		{
			name:   "other read failure",
			err:    errors.New("connection reset"),
			status: http.StatusBadRequest,
			code:   IssueTypeInvalid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodPost, "/fhir/Patient", nil), rec)

			require.NoError(t, RespondBodyError(c, tt.err))
			assert.Equal(t, tt.status, rec.Code)

			var outcome OperationOutcome
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
			require.Len(t, outcome.Issue, 1)
			assert.Equal(t, tt.code, outcome.Issue[0].Code)
		})
	}
}
