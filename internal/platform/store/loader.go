package store

import (
	"context"
	"encoding/json"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Loader seeds a store with FHIR JSON files at startup. A file holds either a
// single resource or a Bundle whose entries are loaded one by one.
type Loader struct {
	store  Store
	logger zerolog.Logger
}

func NewLoader(s Store, logger zerolog.Logger) *Loader {
	return &Loader{store: s, logger: logger}
}

// LoadFS loads every *.json file below root in lexical path order and returns
// the number of resources written. Existing resources with the same id are
// replaced.
func (l *Loader) LoadFS(ctx context.Context, fsys fs.FS) (int, error) {
	var paths []string
	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".json") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "walk resource directory")
	}
	sort.Strings(paths)

	total := 0
	for _, path := range paths {
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return total, errors.Wrapf(err, "read %s", path)
		}
		n, err := l.loadDocument(ctx, data)
		if err != nil {
			return total, errors.Wrapf(err, "load %s", path)
		}
		l.logger.Debug().Str("file", path).Int("resources", n).Msg("resources loaded")
		total += n
	}
	return total, nil
}

func (l *Loader) loadDocument(ctx context.Context, data []byte) (int, error) {
	var head struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
		Entry        []struct {
			Resource json.RawMessage `json:"resource"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return 0, errors.Wrap(err, "decode resource")
	}
	if head.ResourceType == "" {
		return 0, errors.New("missing resourceType")
	}

	if head.ResourceType != "Bundle" {
		return 1, l.put(ctx, head.ResourceType, head.ID, data)
	}

	n := 0
	for i, e := range head.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		var r struct {
			ResourceType string `json:"resourceType"`
			ID           string `json:"id"`
		}
		if err := json.Unmarshal(e.Resource, &r); err != nil || r.ResourceType == "" {
			return n, errors.Newf("bundle entry %d has no resource type", i)
		}
		if err := l.put(ctx, r.ResourceType, r.ID, e.Resource); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (l *Loader) put(ctx context.Context, resourceType, id string, body []byte) error {
	if id == "" {
		id = uuid.NewString()
	}
	_, err := l.store.Update(ctx, resourceType, id, body)
	return errors.Wrapf(err, "store %s/%s", resourceType, id)
}
