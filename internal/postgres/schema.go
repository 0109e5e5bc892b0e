package postgres

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v4"
	"github.com/sf7293/enrollment-taskqueue/internal/domain"
	"github.com/sf7293/enrollment-taskqueue/internal/errval"
)

// modelSchema is the allow-list of tables and columns the generic operations may touch
type modelSchema struct {
	table   string
	columns map[string]bool
}

var schemas = map[string]modelSchema{
	domain.ModelStudent:    newModelSchema("students", "code", "name"),
	domain.ModelCourse:     newModelSchema("courses", "code", "name", "credits"),
	domain.ModelSection:    newModelSchema("sections", "course_id", "term", "name", "cupo", "active"),
	domain.ModelEnrollment: newModelSchema("enrollments", "student_id", "section_id", "term"),
	domain.ModelGrade:      newModelSchema("grades", "enrollment_id", "value"),
}

func newModelSchema(table string, columns ...string) modelSchema {
	s := modelSchema{table: table, columns: make(map[string]bool, len(columns))}
	for _, c := range columns {
		s.columns[c] = true
	}
	return s
}

func schemaFor(model string) (modelSchema, error) {
	s, ok := schemas[model]
	if !ok {
		return modelSchema{}, errval.Validation("unknown model %q", model)
	}
	return s, nil
}

func (s modelSchema) ident() string {
	return pgx.Identifier{s.table}.Sanitize()
}

// split orders the columns of data and checks each one against the allow-list
func (s modelSchema) split(data domain.Record) ([]string, []interface{}, error) {
	if len(data) == 0 {
		return nil, nil, errval.Validation("no columns given for %s", s.table)
	}

	cols := make([]string, 0, len(data))
	for c := range data {
		if !s.columns[c] {
			return nil, nil, errval.Validation("column %q is not writable on %s", c, s.table)
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)

	args := make([]interface{}, len(cols))
	for i, c := range cols {
		args[i] = data[c]
	}
	return cols, args, nil
}

func (s modelSchema) insertSQL(cols []string) string {
	names := make([]string, len(cols))
	params := make([]string, len(cols))
	for i, c := range cols {
		names[i] = pgx.Identifier{c}.Sanitize()
		params[i] = fmt.Sprintf("$%d", i+1)
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING row_to_json(%s)",
		s.ident(), strings.Join(names, ", "), strings.Join(params, ", "), s.ident())
}

// updateSQL binds the columns first and the id last
func (s modelSchema) updateSQL(cols []string) string {
	sets := make([]string, len(cols)+1)
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{c}.Sanitize(), i+1)
	}
	sets[len(cols)] = "updated_at = NOW()"

	return fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d RETURNING row_to_json(%s)",
		s.ident(), strings.Join(sets, ", "), len(cols)+1, s.ident())
}

func (s modelSchema) selectSQL() string {
	return fmt.Sprintf("SELECT row_to_json(%s) FROM %s WHERE id = $1", s.ident(), s.ident())
}

func (s modelSchema) deleteSQL() string {
	return fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.ident())
}

func (s modelSchema) bulkDeleteSQL() string {
	return fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", s.ident())
}
