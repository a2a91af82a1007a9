package db

import (
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"

	"ezquery/internal/models"
)

// SnapshotReader reads every base table of one schema.
// It only ever issues read-only queries.
type SnapshotReader struct {
	db     *bun.DB
	schema string
}

// NewSnapshotReader reads from schema, or from current_schema() when empty.
func NewSnapshotReader(db *bun.DB, schema string) *SnapshotReader {
	return &SnapshotReader{db: db, schema: schema}
}

// ReadAll renders every table into a TableSnapshot. Any failure aborts the
// whole snapshot.
func (r *SnapshotReader) ReadAll(ctx context.Context) (models.TableSnapshot, error) {
	tables, err := r.ReadTables(ctx)
	if err != nil {
		return nil, err
	}

	snapshot := make(models.TableSnapshot, len(tables))
	for _, t := range tables {
		text, err := RenderRows(t.Rows)
		if err != nil {
			return nil, models.NewError(models.ErrQuery, "read table "+t.Name, err)
		}
		snapshot[t.Name] = text
	}
	return snapshot, nil
}

// ReadTables returns the rows of every table, ordered by table name.
func (r *SnapshotReader) ReadTables(ctx context.Context) ([]models.Table, error) {
	if err := Ping(ctx, r.db); err != nil {
		return nil, err
	}

	names, err := r.ListTables(ctx)
	if err != nil {
		return nil, err
	}

	tables := make([]models.Table, 0, len(names))
	for _, name := range names {
		t, err := r.readTable(ctx, name)
		if err != nil {
			return nil, err
		}
		log.Debug().Str("table", name).Int("rows", len(t.Rows)).Msg("read table")
		tables = append(tables, t)
	}
	return tables, nil
}

// ListTables returns the base table names of the schema in sorted order.
func (r *SnapshotReader) ListTables(ctx context.Context) ([]string, error) {
	var names []string
	err := r.db.NewSelect().
		TableExpr("information_schema.tables").
		Column("table_name").
		Where("table_schema = COALESCE(NULLIF(?, ''), current_schema())", r.schema).
		Where("table_type = 'BASE TABLE'").
		Order("table_name").
		Scan(ctx, &names)
	if err != nil {
		return nil, models.NewError(models.ErrQuery, "list tables", fmt.Errorf("failed to list tables: %w", err))
	}
	return names, nil
}

func (r *SnapshotReader) readTable(ctx context.Context, name string) (models.Table, error) {
	op := "read table " + name
	t := models.Table{Name: name}

	rows, err := r.db.QueryContext(ctx, "SELECT * FROM "+quoteTable(r.schema, name))
	if err != nil {
		return t, models.NewError(models.ErrQuery, op, err)
	}
	defer rows.Close()

	t.Columns, err = rows.Columns()
	if err != nil {
		return t, models.NewError(models.ErrQuery, op, err)
	}

	values := make([]any, len(t.Columns))
	ptrs := make([]any, len(t.Columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return t, models.NewError(models.ErrQuery, op, err)
		}
		row := make([]string, len(values))
		for i, v := range values {
			row[i] = FormatValue(v)
		}
		t.Rows = append(t.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return t, models.NewError(models.ErrQuery, op, err)
	}
	return t, nil
}

// RenderRows writes one comma separated line per row. Cells containing
// separators or quotes are quoted CSV style.
func RenderRows(rows [][]string) (string, error) {
	var b strings.Builder
	w := csv.NewWriter(&b)
	if err := w.WriteAll(rows); err != nil {
		return "", err
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

// FormatValue renders a scanned cell.
func FormatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.Format(time.RFC3339)
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return fmt.Sprint(v)
}
