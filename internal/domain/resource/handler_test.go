package resource

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/ehr/mockserver/internal/platform/fhir"
	"github.com/ehr/mockserver/internal/platform/store"
	"github.com/ehr/mockserver/internal/platform/store/mocks"
)

func newServer(t *testing.T, s store.Store) *echo.Echo {
	t.Helper()
	e := echo.New()
	NewHandler(s, "", zerolog.Nop()).RegisterRoutes(e.Group("/fhir"))
	return e
}

func do(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, "application/fhir+json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func TestHandler_CreateAndRead(t *testing.T) {
	e := newServer(t, store.NewMemoryStore())

	rec := do(e, http.MethodPost, "/fhir/Patient", `{"resourceType":"Patient","active":true}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode(t, rec)
	id := created["id"].(string)
	assert.NotEmpty(t, id)
	assert.Equal(t, "/fhir/Patient/"+id, rec.Header().Get("Location"))

	rec = do(e, http.MethodGet, "/fhir/Patient/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["active"])
}

func TestHandler_ReadNotFound(t *testing.T) {
	e := newServer(t, store.NewMemoryStore())

	rec := do(e, http.MethodGet, "/fhir/Slot/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "OperationOutcome", decode(t, rec)["resourceType"])
}

func TestHandler_UnsupportedType(t *testing.T) {
	e := newServer(t, store.NewMemoryStore())

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rec := do(e, method, "/fhir/Observation", `{"resourceType":"Observation"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code, method)
	}
}

func TestHandler_CreateRejectsMismatchedBody(t *testing.T) {
	e := newServer(t, store.NewMemoryStore())

	tests := map[string]string{
		"empty":          "",
		"wrong type":     `{"resourceType":"Slot"}`,
		"not a resource": `[1,2]`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rec := do(e, http.MethodPost, "/fhir/Patient", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandler_Update(t *testing.T) {
	s := store.NewMemoryStore()
	e := newServer(t, s)

	rec := do(e, http.MethodPut, "/fhir/Schedule/S1", `{"resourceType":"Schedule","id":"S1","active":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, s.Len("Schedule"))

	rec = do(e, http.MethodPut, "/fhir/Schedule/S1", `{"resourceType":"Schedule","id":"S2"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_Patch(t *testing.T) {
	s := store.NewMemoryStore()
	_, err := s.Update(context.Background(), "Slot", "s1", json.RawMessage(
		`{"resourceType":"Slot","status":"free","schedule":{"reference":"Schedule/S1"}}`))
	require.NoError(t, err)
	e := newServer(t, s)

	body := `{"resourceType":"Parameters","parameter":[{"name":"operation","part":[` +
		`{"name":"type","valueCode":"replace"},{"name":"path","valueString":"Slot.status"},` +
		`{"name":"value","valueCode":"busy"}]}]}`
	rec := do(e, http.MethodPatch, "/fhir/Slot/s1", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "busy", decode(t, rec)["status"])

	bad := `{"resourceType":"Parameters","parameter":[{"name":"operation","part":[` +
		`{"name":"type","valueCode":"replace"},{"name":"path","valueString":"Slot.comment"},` +
		`{"name":"value","valueString":"x"}]}]}`
	rec = do(e, http.MethodPatch, "/fhir/Slot/s1", bad)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(e, http.MethodPatch, "/fhir/Slot/missing", body)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Search(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	for id, status := range map[string]string{"a": "free", "b": "busy", "c": "free"} {
		_, err := s.Update(ctx, "Slot", id, json.RawMessage(
			`{"resourceType":"Slot","status":"`+status+`","schedule":{"reference":"Schedule/S1"},"start":"2030-01-02T10:00:00Z"}`))
		require.NoError(t, err)
	}
	e := newServer(t, s)

	rec := do(e, http.MethodGet, "/fhir/Slot?status=free&schedule=Schedule/S1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var bundle fhir.Bundle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bundle))
	assert.Equal(t, "searchset", bundle.Type)
	assert.Len(t, bundle.Entry, 2)

	rec = do(e, http.MethodGet, "/fhir/Slot?color=red", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_StoreFailureIs500(t *testing.T) {
	ctrl := gomock.NewController(t)
	ms := mocks.NewMockStore(ctrl)
	ms.EXPECT().Read(gomock.Any(), "Patient", "p1").Return(nil, errors.New("connection refused"))
	e := newServer(t, ms)

	rec := do(e, http.MethodGet, "/fhir/Patient/p1", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "OperationOutcome", decode(t, rec)["resourceType"])
}

func TestHandler_CreateConflictIs409(t *testing.T) {
	ctrl := gomock.NewController(t)
	ms := mocks.NewMockStore(ctrl)
	ms.EXPECT().Create(gomock.Any(), "Patient", gomock.Any(), gomock.Any()).
		Return(nil, errors.Mark(errors.New("Patient/p1 already exists"), store.ErrConflict))
	e := newServer(t, ms)

	rec := do(e, http.MethodPost, "/fhir/Patient", `{"resourceType":"Patient"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	issue := decode(t, rec)["issue"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, fhir.IssueTypeConflict, issue["code"])
	assert.Equal(t, "Patient/p1 already exists", issue["diagnostics"])
}

func TestHandler_RegisterCapabilities(t *testing.T) {
	h := NewHandler(store.NewMemoryStore(), "", zerolog.Nop(), "Slot")
	b := fhir.NewCapabilityBuilder("http://localhost/fhir", "0.1.0")
	h.RegisterCapabilities(b)

	raw, err := json.Marshal(b.Build())
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"Slot"`)
	assert.Contains(t, string(raw), `"name":"schedule"`)
	assert.NotContains(t, string(raw), `"type":"Patient"`)
}
