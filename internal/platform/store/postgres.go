package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/mockserver/internal/platform/db"
)

// PGStore keeps resources in the fhir_resources jsonb table.
type PGStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, now: time.Now}
}

func (s *PGStore) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, s.pool)
}

// InTx runs fn in a database transaction; every store call made with the
// ctx passed to fn joins it.
func (s *PGStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, s.pool, fn)
}

func (s *PGStore) Read(ctx context.Context, resourceType, id string) (json.RawMessage, error) {
	var body []byte
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT body FROM fhir_resources WHERE resource_type = $1 AND id = $2`,
		resourceType, id,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(resourceType, id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s/%s", resourceType, id)
	}
	return body, nil
}

func (s *PGStore) Create(ctx context.Context, resourceType, id string, body json.RawMessage) (json.RawMessage, error) {
	now := s.now()
	stamped, err := stamp(resourceType, id, 1, now, body)
	if err != nil {
		return nil, err
	}
	tag, err := s.conn(ctx).Exec(ctx,
		`INSERT INTO fhir_resources (resource_type, id, version, body, last_updated)
		 VALUES ($1, $2, 1, $3, $4)
		 ON CONFLICT (resource_type, id) DO NOTHING`,
		resourceType, id, stamped, now,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s/%s", resourceType, id)
	}
	if tag.RowsAffected() == 0 {
		return nil, conflict(resourceType, id)
	}
	return stamped, nil
}

func (s *PGStore) Update(ctx context.Context, resourceType, id string, body json.RawMessage) (json.RawMessage, error) {
	var version int
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT version FROM fhir_resources WHERE resource_type = $1 AND id = $2 FOR UPDATE`,
		resourceType, id,
	).Scan(&version)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(err, "lock %s/%s", resourceType, id)
	}
	version++

	now := s.now()
	stamped, err := stamp(resourceType, id, version, now, body)
	if err != nil {
		return nil, err
	}
	_, err = s.conn(ctx).Exec(ctx,
		`INSERT INTO fhir_resources (resource_type, id, version, body, last_updated)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (resource_type, id)
		 DO UPDATE SET version = EXCLUDED.version, body = EXCLUDED.body, last_updated = EXCLUDED.last_updated`,
		resourceType, id, version, stamped, now,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "update %s/%s", resourceType, id)
	}
	return stamped, nil
}

// Search narrows candidates in SQL where a parameter maps to a single path
// and lets Match decide the rest.
func (s *PGStore) Search(ctx context.Context, resourceType string, criteria []Criterion) ([]json.RawMessage, error) {
	if err := validate(resourceType, criteria); err != nil {
		return nil, err
	}

	where, args := buildWhere(resourceType, criteria)
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT body FROM fhir_resources WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "search %s", resourceType)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, errors.Wrap(err, "scan resource")
		}
		ok, err := MatchJSON(resourceType, body, criteria)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, body)
		}
	}
	return out, errors.Wrap(rows.Err(), "iterate resources")
}

var sqlDateOps = map[string]string{"lt": "<", "le": "<=", "gt": ">", "ge": ">="}

func buildWhere(resourceType string, criteria []Criterion) (string, []any) {
	clauses := []string{"resource_type = $1"}
	args := []any{resourceType}

	for _, c := range criteria {
		param, _ := lookupParam(resourceType, c.Param)
		if !param.scalar(resourceType) || len(c.Values) != 1 {
			continue
		}
		path := "'{" + strings.Join(param.Path, ",") + "}'"
		switch param.Type {
		case ParamToken:
			args = append(args, c.Values[0])
			clauses = append(clauses, fmt.Sprintf("body #>> %s = $%d", path, len(args)))
		case ParamDate:
			op, ok := sqlDateOps[c.Prefix]
			if !ok {
				continue
			}
			args = append(args, c.Values[0])
			clauses = append(clauses, fmt.Sprintf("(body #>> %s)::timestamptz %s $%d::timestamptz", path, op, len(args)))
		}
	}
	return strings.Join(clauses, " AND "), args
}
