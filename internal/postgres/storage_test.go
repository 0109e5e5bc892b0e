package postgres

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/sf7293/enrollment-taskqueue/configs"
	db2 "github.com/sf7293/enrollment-taskqueue/db"
	"github.com/sf7293/enrollment-taskqueue/internal/domain"
	"github.com/sf7293/enrollment-taskqueue/internal/errval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
)

// testStorage is nil when no test database is configured
var testStorage *Storage

func TestMain(m *testing.M) {
	cfg := configs.InitConfig()
	if cfg.Database.DatabaseTest == "" || cfg.Database.Host == "" {
		slog.Info("DB_DATABASE_TEST is not set, postgres integration tests will be skipped")
		os.Exit(m.Run())
	}

	d, err := iofs.New(db2.Migrations, "migrations")
	if err != nil {
		log.Fatal("Error while preparing migrations, error: " + err.Error())
	}

	mig, err := migrate.NewWithSourceInstance("iofs", d, cfg.Database.ToTestMigrationUri())
	if err != nil {
		log.Fatal("Error while creating new iofs source instance for migrations, error: " + err.Error())
	}

	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatal("Error while running migrations, error: " + err.Error())
	}

	ctx := context.Background()
	testStorage, err = NewStorage(ctx, cfg.Database.ToTestDBConnectionUri())
	if err != nil {
		log.Fatal(err)
	}

	code := m.Run()

	testStorage.Close()
	if err := mig.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatal("Error while rolling back migrations, error: " + err.Error())
	}

	os.Exit(code)
}

func requireDB(t *testing.T) *Storage {
	t.Helper()
	if testStorage == nil {
		t.Skip("test database is not configured")
	}
	return testStorage
}

type fixture struct {
	sectionID  int64
	studentIDs []int64
}

// seedSection creates a course, one section with the given seats and n students
func seedSection(t *testing.T, s *Storage, seats, students int) fixture {
	t.Helper()
	ctx := context.Background()
	tag := uuid.NewString()[:8]

	course, err := s.Create(ctx, domain.ModelCourse, domain.Record{"code": "C-" + tag, "name": "Course " + tag, "credits": int64(3)})
	require.NoError(t, err)

	section, err := s.Create(ctx, domain.ModelSection, domain.Record{
		"course_id": int64(course["id"].(float64)),
		"term":      "2026-1",
		"name":      "A",
		"cupo":      int64(seats),
		"active":    true,
	})
	require.NoError(t, err)

	f := fixture{sectionID: int64(section["id"].(float64))}
	for i := 0; i < students; i++ {
		student, err := s.Create(ctx, domain.ModelStudent, domain.Record{"code": fmt.Sprintf("%s-%d", tag, i), "name": "student"})
		require.NoError(t, err)
		f.studentIDs = append(f.studentIDs, int64(student["id"].(float64)))
	}
	return f
}

func TestStorage_GenericCrud(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()

	created, err := s.Create(ctx, domain.ModelStudent, domain.Record{"code": "CRUD-1", "name": "Ada"})
	require.NoError(t, err)
	id := int64(created["id"].(float64))
	assert.Equal(t, "Ada", created["name"])

	updated, err := s.Update(ctx, domain.ModelStudent, id, domain.Record{"name": "Ada L."})
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", updated["name"])

	found, err := s.Find(ctx, domain.ModelStudent, id)
	require.NoError(t, err)
	assert.Equal(t, "CRUD-1", found["code"])

	_, err = s.Create(ctx, domain.ModelStudent, domain.Record{"code": "CRUD-1", "name": "dup"})
	assert.ErrorIs(t, err, errval.ErrConflict)

	_, err = s.Create(ctx, domain.ModelStudent, domain.Record{"code": "CRUD-2", "password": "x"})
	assert.ErrorIs(t, err, errval.ErrValidation)

	require.NoError(t, s.Delete(ctx, domain.ModelStudent, id))
	_, err = s.Find(ctx, domain.ModelStudent, id)
	assert.ErrorIs(t, err, errval.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, domain.ModelStudent, id), errval.ErrNotFound)
}

func TestStorage_BulkCreateIsAllOrNothing(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()

	rows, err := s.BulkCreate(ctx, domain.ModelStudent, []domain.Record{
		{"code": "BULK-1", "name": "one"},
		{"code": "BULK-2", "name": "two"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	_, err = s.BulkCreate(ctx, domain.ModelStudent, []domain.Record{
		{"code": "BULK-3", "name": "three"},
		{"code": "BULK-1", "name": "duplicate"},
	})
	assert.ErrorIs(t, err, errval.ErrConflict)

	ids := []int64{int64(rows[0]["id"].(float64)), int64(rows[1]["id"].(float64))}
	n, err := s.BulkUpdate(ctx, domain.ModelStudent, []domain.RecordUpdate{
		{ID: ids[0], Data: domain.Record{"name": "uno"}},
		{ID: ids[1], Data: domain.Record{"name": "dos"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.BulkDelete(ctx, domain.ModelStudent, append(ids, 999999))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestStorage_ReserveSeatRules(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()
	f := seedSection(t, s, 1, 2)

	_, err := s.ReserveSeat(ctx, domain.SeatRequest{StudentID: f.studentIDs[0], SectionID: f.sectionID, Term: "2025-2"})
	assert.ErrorIs(t, err, errval.ErrUnprocessable)

	res, err := s.ReserveSeat(ctx, domain.SeatRequest{StudentID: f.studentIDs[0], SectionID: f.sectionID, Term: "2026-1"})
	require.NoError(t, err)
	assert.Equal(t, int32(0), res.SeatsRemaining)
	assert.NotZero(t, res.EnrollmentID)

	_, err = s.ReserveSeat(ctx, domain.SeatRequest{StudentID: f.studentIDs[1], SectionID: f.sectionID, Term: "2026-1"})
	assert.ErrorIs(t, err, errval.ErrUnprocessable)
	assert.Contains(t, errval.Message(err), "no seats available")

	_, err = s.ReserveSeat(ctx, domain.SeatRequest{StudentID: f.studentIDs[1], SectionID: 99999999, Term: "2026-1"})
	assert.ErrorIs(t, err, errval.ErrUnprocessable)

	_, err = s.Update(ctx, domain.ModelSection, f.sectionID, domain.Record{"active": false, "cupo": int64(5)})
	require.NoError(t, err)
	_, err = s.ReserveSeat(ctx, domain.SeatRequest{StudentID: f.studentIDs[1], SectionID: f.sectionID, Term: "2026-1"})
	assert.ErrorIs(t, err, errval.ErrUnprocessable)
	assert.Contains(t, errval.Message(err), "not active")
}

func TestStorage_ReserveSeatUnderContention(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()
	const seats, requesters = 10, 50
	f := seedSection(t, s, seats, requesters)

	var (
		wg                 sync.WaitGroup
		mu                 sync.Mutex
		succeeded, noSeats int
		unexpected         []error
	)
	for _, studentID := range f.studentIDs {
		wg.Add(1)
		go func(studentID int64) {
			defer wg.Done()
			_, err := s.ReserveSeat(ctx, domain.SeatRequest{StudentID: studentID, SectionID: f.sectionID, Term: "2026-1"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, errval.ErrUnprocessable):
				noSeats++
			default:
				unexpected = append(unexpected, err)
			}
		}(studentID)
	}
	wg.Wait()

	assert.Empty(t, unexpected)
	assert.Equal(t, seats, succeeded)
	assert.Equal(t, requesters-seats, noSeats)

	assert.Equal(t, int32(0), sectionSeats(t, s, f.sectionID))
	assert.Equal(t, int64(seats), sectionEnrollments(t, s, f.sectionID))
}

func TestStorage_DuplicateEnrollmentUnderContention(t *testing.T) {
	s := requireDB(t)
	ctx := context.Background()
	f := seedSection(t, s, 5, 1)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.ReserveSeat(ctx, domain.SeatRequest{StudentID: f.studentIDs[0], SectionID: f.sectionID, Term: "2026-1"})
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, errval.ErrConflict):
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)

	assert.Equal(t, int32(4), sectionSeats(t, s, f.sectionID))
	assert.Equal(t, int64(1), sectionEnrollments(t, s, f.sectionID))
}

func sectionSeats(t *testing.T, s *Storage, sectionID int64) int32 {
	t.Helper()
	var cupo int32
	require.NoError(t, s.pool.QueryRow(context.Background(), `SELECT cupo FROM sections WHERE id = $1`, sectionID).Scan(&cupo))
	return cupo
}

func sectionEnrollments(t *testing.T, s *Storage, sectionID int64) int64 {
	t.Helper()
	var count int64
	require.NoError(t, s.pool.QueryRow(context.Background(), `SELECT COUNT(*) FROM enrollments WHERE section_id = $1`, sectionID).Scan(&count))
	return count
}
