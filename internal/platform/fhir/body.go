package fhir

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/labstack/echo/v4"
)

// RespondBodyError answers a request whose body could not be used. A read
// cut short by the body limit is a 413; anything else is a 400 carrying
// err's message.
func RespondBodyError(c echo.Context, err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) && he.Code == http.StatusRequestEntityTooLarge {
		return c.JSON(http.StatusRequestEntityTooLarge, TooCostlyOutcome(fmt.Sprint(he.Message)))
	}
	return c.JSON(http.StatusBadRequest, InvalidOutcome(err.Error()))
}
