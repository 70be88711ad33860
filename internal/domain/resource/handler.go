// Package resource serves plain FHIR REST interactions (read, create,
// update, patch, search) over the resource store for the types the booking
// engine works with.
package resource

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/mockserver/internal/platform/fhir"
	"github.com/ehr/mockserver/internal/platform/store"
)

// DefaultTypes are the resource types exposed when none are configured.
var DefaultTypes = []string{"Patient", "Schedule", "Slot", "Appointment"}

type Handler struct {
	store         store.Store
	types         map[string]bool
	typeList      []string
	publicBaseURL string
	logger        zerolog.Logger
}

func NewHandler(s store.Store, publicBaseURL string, logger zerolog.Logger, types ...string) *Handler {
	if len(types) == 0 {
		types = DefaultTypes
	}
	h := &Handler{
		store:         s,
		types:         make(map[string]bool, len(types)),
		typeList:      types,
		publicBaseURL: publicBaseURL,
		logger:        logger,
	}
	for _, t := range types {
		h.types[t] = true
	}
	return h
}

func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.GET("/:type", h.Search)
	fhirGroup.POST("/:type", h.Create)
	fhirGroup.GET("/:type/:id", h.Read)
	fhirGroup.PUT("/:type/:id", h.Update)
	fhirGroup.PATCH("/:type/:id", h.Patch)
}

// RegisterCapabilities advertises every served type with its search parameters.
func (h *Handler) RegisterCapabilities(b *fhir.CapabilityBuilder) {
	interactions := []string{"read", "create", "update", "patch", "search-type"}
	for _, t := range h.typeList {
		var params []fhir.SearchParam
		for _, p := range store.SearchParams(t) {
			params = append(params, fhir.SearchParam{Name: p.Name, Type: string(p.Type)})
		}
		b.AddResource(t, interactions, params)
	}
}

// resourceType returns the :type path parameter if it is served.
func (h *Handler) resourceType(c echo.Context) (string, bool) {
	t := c.Param("type")
	return t, h.types[t]
}

func unsupported(c echo.Context) error {
	return c.JSON(http.StatusNotFound, fhir.NotSupportedOutcome("Resource type "+c.Param("type")+" is not supported"))
}

func (h *Handler) Read(c echo.Context) error {
	t, ok := h.resourceType(c)
	if !ok {
		return unsupported(c)
	}
	id := c.Param("id")
	body, err := h.store.Read(c.Request().Context(), t, id)
	if store.IsNotFound(err) {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(t, id))
	}
	if err != nil {
		return h.internalError(c, err)
	}
	return c.JSONBlob(http.StatusOK, body)
}

func (h *Handler) Create(c echo.Context) error {
	t, ok := h.resourceType(c)
	if !ok {
		return unsupported(c)
	}
	body, err := readResource(c, t)
	if err != nil {
		return fhir.RespondBodyError(c, err)
	}
	id := uuid.New().String()
	stored, err := h.store.Create(c.Request().Context(), t, id, body)
	if store.IsConflict(err) {
		return c.JSON(http.StatusConflict, fhir.ConflictOutcome(err.Error()))
	}
	if err != nil {
		return h.internalError(c, err)
	}
	c.Response().Header().Set("Location", "/fhir/"+t+"/"+id)
	return c.JSONBlob(http.StatusCreated, stored)
}

func (h *Handler) Update(c echo.Context) error {
	t, ok := h.resourceType(c)
	if !ok {
		return unsupported(c)
	}
	body, err := readResource(c, t)
	if err != nil {
		return fhir.RespondBodyError(c, err)
	}
	id := c.Param("id")
	var r fhir.Resource
	if err := json.Unmarshal(body, &r); err == nil && r.ID != "" && r.ID != id {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("resource id "+r.ID+" does not match URL id "+id))
	}
	stored, err := h.store.Update(c.Request().Context(), t, id, body)
	if err != nil {
		return h.internalError(c, err)
	}
	return c.JSONBlob(http.StatusOK, stored)
}

// Patch applies a FHIRPath Patch. Guards registered as interceptors run
// before this handler.
func (h *Handler) Patch(c echo.Context) error {
	t, ok := h.resourceType(c)
	if !ok {
		return unsupported(c)
	}
	ctx := c.Request().Context()
	id := c.Param("id")

	body, err := readResource(c, "Parameters")
	if err != nil {
		return fhir.RespondBodyError(c, err)
	}
	var params fhir.Parameters
	if err := json.Unmarshal(body, &params); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}

	current, err := h.store.Read(ctx, t, id)
	if store.IsNotFound(err) {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(t, id))
	}
	if err != nil {
		return h.internalError(c, err)
	}
	doc, err := decodeDocument(current)
	if err != nil {
		return h.internalError(c, err)
	}

	patched, err := fhir.ApplyFHIRPathPatch(doc, fhir.ParsePatchParameters(&params))
	if err != nil {
		return c.JSON(http.StatusUnprocessableEntity, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeProcessing, err.Error()))
	}
	if patched["resourceType"] != t || patched["id"] != id {
		return c.JSON(http.StatusUnprocessableEntity, fhir.NewOperationOutcome(
			fhir.IssueSeverityError, fhir.IssueTypeProcessing, "patch must not change resourceType or id"))
	}
	out, err := json.Marshal(patched)
	if err != nil {
		return h.internalError(c, err)
	}
	stored, err := h.store.Update(ctx, t, id, out)
	if err != nil {
		return h.internalError(c, err)
	}
	return c.JSONBlob(http.StatusOK, stored)
}

func (h *Handler) Search(c echo.Context) error {
	t, ok := h.resourceType(c)
	if !ok {
		return unsupported(c)
	}
	criteria, err := store.ParseCriteria(t, c.QueryParams())
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	found, err := h.store.Search(c.Request().Context(), t, criteria)
	if err != nil {
		return h.internalError(c, err)
	}
	base := fhir.BaseURL(c, h.publicBaseURL)
	return c.JSON(http.StatusOK, fhir.NewSearchBundle(t, found, base, base+c.Request().URL.RequestURI()))
}

func (h *Handler) internalError(c echo.Context, err error) error {
	h.logger.Error().Err(err).
		Str("method", c.Request().Method).
		Str("path", c.Request().URL.Path).
		Msg("resource request failed")
	return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome(err.Error()))
}

// readResource reads the request body and checks its resourceType.
func readResource(c echo.Context, want string) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, errors.Wrap(err, "read request body")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("request body must not be empty")
	}
	got, err := fhir.ResourceTypeOf(body)
	if err != nil {
		return nil, errors.Wrap(err, "request body is not a FHIR resource")
	}
	if got != want {
		return nil, errors.Newf("expected a %s resource but got %q", want, got)
	}
	return body, nil
}

func decodeDocument(body []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "decode stored resource")
	}
	return doc, nil
}
