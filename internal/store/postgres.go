package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"stash/api/internal/util"
)

// PostgresStore keeps each resource type in its own JSONB table
// (id TEXT PRIMARY KEY, data JSONB). Uniqueness constraints live as
// expression indexes created by the migrations; violations surface as
// *DuplicateError.
type PostgresStore struct {
	db      *sql.DB
	schemas map[string]*Schema
}

func NewPostgresStore(db *sql.DB, schemas ...*Schema) *PostgresStore {
	s := &PostgresStore{db: db, schemas: make(map[string]*Schema)}
	for _, schema := range schemas {
		s.schemas[schema.Type] = schema
	}
	return s
}

func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Collection(resourceType string) Collection {
	schema, ok := s.schemas[resourceType]
	if !ok {
		panic(fmt.Sprintf("store: unknown resource type %q", resourceType))
	}
	return &postgresCollection{store: s, schema: schema, table: tableFor(resourceType)}
}

func tableFor(resourceType string) string {
	switch resourceType {
	case TypeUser:
		return "users"
	case TypeWorkspace:
		return "workspaces"
	case TypeTag:
		return "tags"
	case TypeItem:
		return "items"
	default:
		return resourceType + "s"
	}
}

type postgresCollection struct {
	store  *PostgresStore
	schema *Schema
	table  string
}

func (c *postgresCollection) Type() string { return c.schema.Type }

func (c *postgresCollection) Create(ctx context.Context, fields map[string]any) (Resource, error) {
	normalized, err := jsonNormalize(c.schema.Normalize(fields))
	if err != nil {
		return Resource{}, err
	}
	if err := c.schema.Check(normalized); err != nil {
		return Resource{}, err
	}
	raw, err := json.Marshal(normalized)
	if err != nil {
		return Resource{}, fmt.Errorf("marshal %s: %w", c.schema.Type, err)
	}

	id := util.NewID(c.schema.Type)
	query := fmt.Sprintf(`INSERT INTO %s (id, data) VALUES ($1, $2::jsonb)`, c.table)
	if _, err := c.store.db.ExecContext(ctx, query, id, string(raw)); err != nil {
		if dup := c.duplicateFrom(err); dup != nil {
			return Resource{}, dup
		}
		return Resource{}, fmt.Errorf("insert %s: %w", c.schema.Type, err)
	}
	return Resource{ID: id, Fields: normalized}, nil
}

func (c *postgresCollection) FindByID(ctx context.Context, id string) (*Resource, error) {
	query := fmt.Sprintf(`SELECT data FROM %s WHERE id=$1`, c.table)
	var raw []byte
	err := c.store.db.QueryRowContext(ctx, query, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", c.schema.Type, err)
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode %s: %w", c.schema.Type, err)
	}
	return &Resource{ID: id, Fields: fields}, nil
}

func (c *postgresCollection) FindByIDAndUpdate(ctx context.Context, id string, partial map[string]any) (*Resource, error) {
	normalized, err := jsonNormalize(c.schema.Normalize(partial))
	if err != nil {
		return nil, err
	}

	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update %s: %w", c.schema.Type, err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw []byte
	selectQuery := fmt.Sprintf(`SELECT data FROM %s WHERE id=$1 FOR UPDATE`, c.table)
	if err := tx.QueryRowContext(ctx, selectQuery, id).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Type: c.schema.Type, ID: id}
		}
		return nil, fmt.Errorf("lock %s: %w", c.schema.Type, err)
	}
	merged := make(map[string]any)
	if err := json.Unmarshal(raw, &merged); err != nil {
		return nil, fmt.Errorf("decode %s: %w", c.schema.Type, err)
	}
	for name, value := range normalized {
		merged[name] = value
	}
	if err := c.schema.Check(merged); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", c.schema.Type, err)
	}

	updateQuery := fmt.Sprintf(`UPDATE %s SET data=$2::jsonb, updated_at=NOW() WHERE id=$1`, c.table)
	if _, err := tx.ExecContext(ctx, updateQuery, id, string(encoded)); err != nil {
		if dup := c.duplicateFrom(err); dup != nil {
			return nil, dup
		}
		return nil, fmt.Errorf("update %s: %w", c.schema.Type, err)
	}
	if err := tx.Commit(); err != nil {
		if dup := c.duplicateFrom(err); dup != nil {
			return nil, dup
		}
		return nil, fmt.Errorf("commit update %s: %w", c.schema.Type, err)
	}
	return &Resource{ID: id, Fields: merged}, nil
}

func (c *postgresCollection) FindByIDAndDelete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id=$1`, c.table)
	if _, err := c.store.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete %s: %w", c.schema.Type, err)
	}
	return nil
}

func (c *postgresCollection) Find(ctx context.Context, filter Predicate, opts FindOptions) ([]Resource, error) {
	where, args, err := c.compile(filter, nil)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `SELECT id, data FROM %s`, c.table)
	if where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(where)
	}
	sb.WriteString(orderClause(opts.Sort))
	if opts.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", opts.Limit)
	}
	if opts.Skip > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", opts.Skip)
	}

	rows, err := c.store.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", c.schema.Type, err)
	}
	defer rows.Close()

	results := make([]Resource, 0)
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", c.schema.Type, err)
		}
		fields := make(map[string]any)
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("decode %s: %w", c.schema.Type, err)
		}
		results = append(results, Resource{ID: id, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", c.schema.Type, err)
	}

	if len(opts.Populate) > 0 {
		if err := c.populate(ctx, results, opts.Populate); err != nil {
			return nil, err
		}
	}
	for i := range results {
		results[i] = project(results[i], opts.Select)
	}
	return results, nil
}

// compile turns a predicate into a WHERE fragment. args carries the
// accumulated bind parameters.
func (c *postgresCollection) compile(pred Predicate, args []any) (string, []any, error) {
	switch p := pred.(type) {
	case nil:
		return "", args, nil
	case Eq:
		encoded, err := json.Marshal(normalizeScalar(p.Value))
		if err != nil {
			return "", nil, fmt.Errorf("encode filter value: %w", err)
		}
		args = append(args, string(encoded))
		return fmt.Sprintf("data->%s = $%d::jsonb", quoteLiteral(p.Field), len(args)), args, nil
	case In:
		if len(p.Values) == 0 {
			return "FALSE", args, nil
		}
		parts := make([]string, 0, len(p.Values))
		isList := c.schema.Fields[p.Field].Kind == KindList
		for _, value := range p.Values {
			var encoded []byte
			var err error
			if isList {
				encoded, err = json.Marshal([]any{normalizeScalar(value)})
			} else {
				encoded, err = json.Marshal(normalizeScalar(value))
			}
			if err != nil {
				return "", nil, fmt.Errorf("encode filter value: %w", err)
			}
			args = append(args, string(encoded))
			if isList {
				parts = append(parts, fmt.Sprintf("data->%s @> $%d::jsonb", quoteLiteral(p.Field), len(args)))
			} else {
				parts = append(parts, fmt.Sprintf("data->%s = $%d::jsonb", quoteLiteral(p.Field), len(args)))
			}
		}
		return "(" + strings.Join(parts, " OR ") + ")", args, nil
	case Text:
		if len(c.schema.TextFields) == 0 {
			return "FALSE", args, nil
		}
		args = append(args, "%"+p.Query+"%")
		n := len(args)
		parts := make([]string, 0, len(c.schema.TextFields))
		for _, field := range c.schema.TextFields {
			parts = append(parts, fmt.Sprintf("data->>%s ILIKE $%d", quoteLiteral(field), n))
		}
		return "(" + strings.Join(parts, " OR ") + ")", args, nil
	case And:
		parts := make([]string, 0, len(p.Preds))
		for _, sub := range p.Preds {
			var fragment string
			var err error
			fragment, args, err = c.compile(sub, args)
			if err != nil {
				return "", nil, err
			}
			if fragment != "" {
				parts = append(parts, fragment)
			}
		}
		if len(parts) == 0 {
			return "", args, nil
		}
		return "(" + strings.Join(parts, " AND ") + ")", args, nil
	default:
		return "", nil, fmt.Errorf("unsupported predicate %T", pred)
	}
}

// orderClause always ends on the primary key so that OFFSET paging
// sees a total order even when sort values tie.
func orderClause(sorts []SortField) string {
	if len(sorts) == 0 {
		return " ORDER BY created_at ASC, id ASC"
	}
	parts := make([]string, 0, len(sorts)+1)
	for _, field := range sorts {
		direction := "ASC"
		if field.Desc {
			direction = "DESC"
		}
		parts = append(parts, fmt.Sprintf("data->>%s %s", quoteLiteral(field.Field), direction))
	}
	parts = append(parts, "id ASC")
	return " ORDER BY " + strings.Join(parts, ", ")
}

// quoteLiteral renders a field name as a SQL string literal. Field names
// reaching the adapter have already passed sanitization against a schema,
// this is belt-and-suspenders for the JSONB path expression.
func quoteLiteral(name string) string {
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}

func (c *postgresCollection) populate(ctx context.Context, results []Resource, populate []string) error {
	for _, name := range populate {
		target, ok := c.schema.RefTarget(name)
		if !ok {
			continue
		}
		ids := make(map[string]bool)
		for _, resource := range results {
			switch value := resource.Fields[name].(type) {
			case string:
				ids[value] = true
			case []any:
				for _, entry := range value {
					if id, ok := entry.(string); ok {
						ids[id] = true
					}
				}
			}
		}
		if len(ids) == 0 {
			continue
		}
		docs, err := c.store.fetchByIDs(ctx, target, ids)
		if err != nil {
			return err
		}
		for i := range results {
			switch value := results[i].Fields[name].(type) {
			case string:
				if doc, ok := docs[value]; ok {
					results[i].Fields[name] = doc
				}
			case []any:
				out := make([]any, 0, len(value))
				for _, entry := range value {
					id, _ := entry.(string)
					if doc, ok := docs[id]; ok {
						out = append(out, doc)
					} else {
						out = append(out, entry)
					}
				}
				results[i].Fields[name] = out
			}
		}
	}
	return nil
}

func (s *PostgresStore) fetchByIDs(ctx context.Context, resourceType string, ids map[string]bool) (map[string]map[string]any, error) {
	placeholders := make([]string, 0, len(ids))
	args := make([]any, 0, len(ids))
	for id := range ids {
		args = append(args, id)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}
	query := fmt.Sprintf(`SELECT id, data FROM %s WHERE id IN (%s)`, tableFor(resourceType), strings.Join(placeholders, ", "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("populate %s: %w", resourceType, err)
	}
	defer rows.Close()

	docs := make(map[string]map[string]any)
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan populated %s: %w", resourceType, err)
		}
		fields := make(map[string]any)
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("decode populated %s: %w", resourceType, err)
		}
		fields["id"] = id
		docs[id] = fields
	}
	return docs, rows.Err()
}

// duplicateFrom maps a unique_violation (23505) onto the typed error,
// recovering the field name from the index name (<table>_<field>_key).
func (c *postgresCollection) duplicateFrom(err error) *DuplicateError {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return nil
	}
	field := strings.TrimSuffix(strings.TrimPrefix(pgErr.ConstraintName, c.table+"_"), "_key")
	return &DuplicateError{Type: c.schema.Type, Field: field}
}
