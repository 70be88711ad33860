package fhir

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// PreferDirective holds the parsed directives of a Prefer header value.
type PreferDirective struct {
	Return       string
	Handling     string
	RespondAsync bool
}

// ParsePrefer parses a Prefer header (RFC 7240). Directives may be separated
// by commas or semicolons.
func ParsePrefer(prefer string) PreferDirective {
	var d PreferDirective
	for _, part := range strings.FieldsFunc(prefer, func(r rune) bool { return r == ',' || r == ';' }) {
		part = strings.TrimSpace(part)
		key, val, _ := strings.Cut(part, "=")
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "respond-async":
			d.RespondAsync = true
		case "return":
			d.Return = strings.Trim(strings.TrimSpace(val), `"`)
		case "handling":
			d.Handling = strings.Trim(strings.TrimSpace(val), `"`)
		}
	}
	return d
}

// ParsePreferAsync checks whether the Prefer header value contains the
// "respond-async" preference token as defined in RFC 7240.
func ParsePreferAsync(prefer string) bool {
	return ParsePrefer(prefer).RespondAsync
}

// BaseURL returns scheme://host of the request, or override when set.
func BaseURL(c echo.Context, override string) string {
	if override != "" {
		return strings.TrimSuffix(override, "/")
	}
	return c.Scheme() + "://" + c.Request().Host
}

// RespondAsync writes a 202 Accepted response with the Content-Location header
// pointing to the polling endpoint of an accepted job.
func RespondAsync(c echo.Context, location string) error {
	c.Response().Header().Set("Content-Location", location)
	return c.NoContent(http.StatusAccepted)
}
