package middleware

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/mockserver/internal/platform/fhir"
)

// HTTPErrorHandler renders every error that reaches echo as an
// OperationOutcome, so clients of the FHIR endpoints never see echo's plain
// {"message": ...} bodies.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		diagnostics := "internal server error"

		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			diagnostics = fmt.Sprint(he.Message)
		} else {
			logger.Error().Err(err).
				Str("request_id", fmt.Sprintf("%v", c.Get("request_id"))).
				Msg("unhandled error")
		}

		outcome := fhir.NewOperationOutcome(severityFor(status), issueTypeFor(status), diagnostics)
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, outcome)
		}
		if err != nil {
			logger.Error().Err(err).Msg("write error response")
		}
	}
}

func severityFor(status int) string {
	if status >= 500 {
		return fhir.IssueSeverityFatal
	}
	return fhir.IssueSeverityError
}

func issueTypeFor(status int) string {
	switch status {
	case http.StatusNotFound:
		return fhir.IssueTypeNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return fhir.IssueTypeSecurity
	case http.StatusMethodNotAllowed:
		return fhir.IssueTypeNotSupported
	case http.StatusBadRequest, http.StatusUnsupportedMediaType:
		return fhir.IssueTypeInvalid
	case http.StatusConflict:
		return fhir.IssueTypeConflict
	case http.StatusRequestEntityTooLarge:
		return fhir.IssueTypeTooCostly
	}
	if status >= 500 {
		return fhir.IssueTypeException
	}
	return fhir.IssueTypeProcessing
}
