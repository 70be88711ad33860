// Package store persists FHIR resources as JSON documents keyed by resource
// type and id. Backends: in-memory, PostgreSQL (jsonb) and Redis.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotFound is returned when no resource exists for a type and id.
	ErrNotFound = errors.New("resource not found")
	// ErrConflict is returned by Create when the id is already taken.
	ErrConflict = errors.New("resource already exists")
	// ErrUnknownSearchParam is returned for criteria on an unregistered parameter.
	ErrUnknownSearchParam = errors.New("unknown search parameter")
)

//go:generate mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks

// Store is the resource persistence contract used by the engine and the
// generic REST endpoints. Bodies are complete FHIR JSON resources; writes
// return the stored body with id and meta filled in.
type Store interface {
	Read(ctx context.Context, resourceType, id string) (json.RawMessage, error)
	Create(ctx context.Context, resourceType, id string, body json.RawMessage) (json.RawMessage, error)
	// Update replaces the resource, creating it when it does not exist.
	Update(ctx context.Context, resourceType, id string, body json.RawMessage) (json.RawMessage, error)
	Search(ctx context.Context, resourceType string, criteria []Criterion) ([]json.RawMessage, error)
}

// Transactor is implemented by backends able to run several writes atomically.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// RunInTx runs fn in a transaction when s supports one, directly otherwise.
func RunInTx(ctx context.Context, s Store, fn func(ctx context.Context) error) error {
	if t, ok := s.(Transactor); ok {
		return t.InTx(ctx, fn)
	}
	return fn(ctx)
}

// IsNotFound reports whether err means the resource does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err means the id is already taken.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func notFound(resourceType, id string) error {
	return errors.Mark(errors.Newf("%s/%s not found", resourceType, id), ErrNotFound)
}

func conflict(resourceType, id string) error {
	return errors.Mark(errors.Newf("%s/%s already exists", resourceType, id), ErrConflict)
}

// stamp sets resourceType, id and meta.versionId/lastUpdated on a resource body.
func stamp(resourceType, id string, version int, now time.Time, body json.RawMessage) (json.RawMessage, error) {
	doc, err := decodeDoc(body)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errors.New("resource body must be a JSON object")
	}
	if rt, ok := doc["resourceType"].(string); ok && rt != resourceType {
		return nil, errors.Newf("resourceType %q does not match %q", rt, resourceType)
	}
	doc["resourceType"] = resourceType
	doc["id"] = id

	meta, _ := doc["meta"].(map[string]interface{})
	if meta == nil {
		meta = make(map[string]interface{})
	}
	meta["versionId"] = strconv.Itoa(version)
	meta["lastUpdated"] = now.UTC().Format(time.RFC3339Nano)
	doc["meta"] = meta

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "encode resource body")
	}
	return out, nil
}

// decodeDoc decodes a resource keeping numbers as json.Number.
func decodeDoc(body []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "decode resource body")
	}
	return doc, nil
}
