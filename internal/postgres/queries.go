package postgres

import (
	"context"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
)

type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{
		db: tx,
	}
}

type Section struct {
	ID        int64
	CourseID  int64
	Term      string
	Name      string
	Cupo      int32
	Active    bool
	CreatedAt pgtype.Timestamptz
	UpdatedAt pgtype.Timestamptz
}

const lockSectionForUpdate = `-- name: LockSectionForUpdate :one
SELECT id, course_id, term, name, cupo, active, created_at, updated_at FROM sections
WHERE id = $1
FOR UPDATE
`

// LockSectionForUpdate blocks other reservations of the same section until the transaction ends
func (q *Queries) LockSectionForUpdate(ctx context.Context, id int64) (Section, error) {
	row := q.db.QueryRow(ctx, lockSectionForUpdate, id)
	var i Section
	err := row.Scan(
		&i.ID,
		&i.CourseID,
		&i.Term,
		&i.Name,
		&i.Cupo,
		&i.Active,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const enrollmentExists = `-- name: EnrollmentExists :one
SELECT EXISTS(SELECT 1 FROM enrollments WHERE student_id = $1 AND section_id = $2)
`

type EnrollmentExistsParams struct {
	StudentID int64
	SectionID int64
}

func (q *Queries) EnrollmentExists(ctx context.Context, arg EnrollmentExistsParams) (bool, error) {
	row := q.db.QueryRow(ctx, enrollmentExists, arg.StudentID, arg.SectionID)
	var exists bool
	err := row.Scan(&exists)
	return exists, err
}

const insertEnrollment = `-- name: InsertEnrollment :one
INSERT INTO enrollments (student_id, section_id, term)
VALUES ($1, $2, $3)
RETURNING id, created_at
`

type InsertEnrollmentParams struct {
	StudentID int64
	SectionID int64
	Term      string
}

type InsertEnrollmentRow struct {
	ID        int64
	CreatedAt pgtype.Timestamptz
}

func (q *Queries) InsertEnrollment(ctx context.Context, arg InsertEnrollmentParams) (InsertEnrollmentRow, error) {
	row := q.db.QueryRow(ctx, insertEnrollment, arg.StudentID, arg.SectionID, arg.Term)
	var i InsertEnrollmentRow
	err := row.Scan(&i.ID, &i.CreatedAt)
	return i, err
}

const decrementSectionSeats = `-- name: DecrementSectionSeats :one
UPDATE sections
SET cupo       = cupo - 1,
    updated_at = NOW()
WHERE id = $1
RETURNING cupo
`

func (q *Queries) DecrementSectionSeats(ctx context.Context, id int64) (int32, error) {
	row := q.db.QueryRow(ctx, decrementSectionSeats, id)
	var cupo int32
	err := row.Scan(&cupo)
	return cupo, err
}

