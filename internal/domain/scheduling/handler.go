package scheduling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/mockserver/internal/platform/fhir"
)

const bookPath = "/fhir/Appointment/$book"

type Handler struct {
	coordinator *Coordinator
	guard       *PatchGuard
	jobs        *JobRegistry
	logger      zerolog.Logger

	publicBaseURL string
	jobCtx        context.Context
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	// PublicBaseURL replaces the request scheme and host in Content-Location.
	PublicBaseURL string
	// JobContext is the parent of every async booking; cancel it on shutdown.
	JobContext context.Context
}

func NewHandler(coord *Coordinator, guard *PatchGuard, jobs *JobRegistry, logger zerolog.Logger, opts HandlerOptions) *Handler {
	jobCtx := opts.JobContext
	if jobCtx == nil {
		jobCtx = context.Background()
	}
	return &Handler{
		coordinator:   coord,
		guard:         guard,
		jobs:          jobs,
		logger:        logger,
		publicBaseURL: opts.PublicBaseURL,
		jobCtx:        jobCtx,
	}
}

// RegisterRoutes mounts $book on the /fhir group and the job poll endpoint
// on the /async-jobs group.
func (h *Handler) RegisterRoutes(fhirGroup *echo.Group, jobsGroup *echo.Group) {
	fhirGroup.POST("/Appointment/$book", h.Book)
	jobsGroup.GET("/:jobId", h.PollJob)
}

// RegisterCapabilities advertises the $book operation.
func (h *Handler) RegisterCapabilities(b *fhir.CapabilityBuilder) {
	b.AddOperation("Appointment", "book", "http://hl7.org/fhir/OperationDefinition/Appointment-book")
}

// Book serves POST /fhir/Appointment/$book. With "Prefer: respond-async" the
// booking runs in the background and 202 points at the poll endpoint.
func (h *Handler) Book(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fhir.RespondBodyError(c, errors.Wrap(err, "could not read request body"))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("request body must not be empty"))
	}

	if fhir.ParsePreferAsync(c.Request().Header.Get("Prefer")) {
		jobID := uuid.New().String()
		h.jobs.Submit(jobID, h.coordinator.BookAsync(h.jobCtx, body))
		h.logger.Info().Str("job_id", jobID).Msg("async booking accepted")
		return fhir.RespondAsync(c, h.jobLocation(c, jobID))
	}

	result, err := h.coordinator.Book(c.Request().Context(), body)
	if errors.Is(err, ErrMalformedRequest) {
		h.logger.Info().Err(err).Msg("malformed booking request")
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("booking failed")
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome(err.Error()))
	}
	return h.writeResult(c, result)
}

// PollJob serves GET /async-jobs/:jobId.
func (h *Handler) PollJob(c echo.Context) error {
	jobID := c.Param("jobId")
	status := h.jobs.Poll(jobID)

	switch status.State {
	case JobNotFound:
		return c.JSON(http.StatusNotFound, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound,
			fmt.Sprintf("No async job with id '%s'", jobID)))
	case JobPending:
		return c.NoContent(http.StatusAccepted)
	case JobSucceeded, JobRejected:
		return h.writeResult(c, status.Result)
	case JobInterrupted:
		return c.JSON(http.StatusInternalServerError,
			fhir.InternalErrorOutcome(fmt.Sprintf("The async job with id '%s' was interrupted.", jobID)))
	default:
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome(
			fmt.Sprintf("Internal error while processing the asynchronous job with id '%s': %s", jobID, status.Err)))
	}
}

func (h *Handler) writeResult(c echo.Context, result *BookingResult) error {
	if !result.Success {
		return c.JSON(http.StatusBadRequest, result.Outcome)
	}
	c.Response().Header().Set("Location", "/fhir/Appointment/"+result.Appointment.ID)
	return c.JSON(http.StatusCreated, result.Appointment)
}

// jobLocation turns the $book URL into the poll URL of jobID.
func (h *Handler) jobLocation(c echo.Context, jobID string) string {
	path := strings.Replace(c.Request().URL.Path, bookPath, "/async-jobs/"+jobID, 1)
	return fhir.BaseURL(c, h.publicBaseURL) + path
}

// PatchInterceptor returns the interceptor that gates PATCH requests on
// Appointments. Accepted patches fall through to the resource handler.
func (h *Handler) PatchInterceptor() fhir.Interceptor {
	return fhir.Interceptor{
		Name:    "appointment-patch-guard",
		Matches: fhir.MethodAndType(http.MethodPatch, "Appointment"),
		Handle:  h.guardPatch,
	}
}

func (h *Handler) guardPatch(c echo.Context, body []byte) (bool, error) {
	resourceType, err := fhir.ResourceTypeOf(body)
	if err != nil {
		return true, c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("request body is not a FHIR resource"))
	}
	if resourceType != "Parameters" {
		return true, c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(fmt.Sprintf(
			"Wrong ResourceType in request body: '%s'. Request body must be a Parameters resource for PATCH requests.", resourceType)))
	}
	var params fhir.Parameters
	if err := json.Unmarshal(body, &params); err != nil {
		return true, c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}

	id := c.Param("id")
	outcome, err := h.guard.Validate(c.Request().Context(), &params, id)
	if errors.Is(err, ErrAppointmentNotFound) {
		return true, c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Appointment", id))
	}
	if err != nil {
		h.logger.Error().Err(err).Str("appointment_id", id).Msg("patch validation failed")
		return true, c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome(err.Error()))
	}
	if outcome.HasErrors() {
		h.logger.Info().Str("appointment_id", id).
			Msg("The PATCH Parameters for the specified Appointment are invalid. The PATCH won't be applied.")
		return true, c.JSON(http.StatusBadRequest, outcome)
	}
	return false, nil
}
