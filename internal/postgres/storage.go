package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sf7293/enrollment-taskqueue/internal/domain"
	"github.com/sf7293/enrollment-taskqueue/internal/errval"
)

type Storage struct {
	queries *Queries
	pool    *pgxpool.Pool
}

func NewStorage(ctx context.Context, dsn string) (*Storage, error) {
	var pool *pgxpool.Pool
	var err error

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	err = backoff.Retry(func() error {
		if pool, err = pgxpool.ConnectConfig(ctx, config); err != nil {
			slog.ErrorContext(ctx, "failed to connect to postgres database.. retrying...", "error", err)
			return err
		}

		if err = pool.Ping(ctx); err != nil {
			pool.Close()
			slog.ErrorContext(ctx, "failed to ping postgres database connection.. retrying...", "error", err)
			return err
		}

		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(3*time.Second), 5), ctx))

	if err != nil {
		return nil, err
	}

	return &Storage{
		queries: New(pool),
		pool:    pool,
	}, nil
}

func (s *Storage) Ping(ctx context.Context) (err error) {
	return s.pool.Ping(ctx)
}

func (s *Storage) Close() {
	s.pool.Close()
}

func (s *Storage) Create(ctx context.Context, model string, data domain.Record) (domain.Record, error) {
	schema, err := schemaFor(model)
	if err != nil {
		return nil, err
	}

	return s.insert(ctx, s.pool, schema, data)
}

func (s *Storage) insert(ctx context.Context, db DBTX, schema modelSchema, data domain.Record) (domain.Record, error) {
	cols, args, err := schema.split(data)
	if err != nil {
		return nil, err
	}

	var row pgtype.JSON
	if err := db.QueryRow(ctx, schema.insertSQL(cols), args...).Scan(&row); err != nil {
		return nil, classify(err, "create "+schema.table)
	}
	return decodeRow(row)
}

func (s *Storage) Update(ctx context.Context, model string, id int64, data domain.Record) (domain.Record, error) {
	schema, err := schemaFor(model)
	if err != nil {
		return nil, err
	}

	return s.update(ctx, s.pool, schema, id, data)
}

func (s *Storage) update(ctx context.Context, db DBTX, schema modelSchema, id int64, data domain.Record) (domain.Record, error) {
	cols, args, err := schema.split(data)
	if err != nil {
		return nil, err
	}

	var row pgtype.JSON
	err = db.QueryRow(ctx, schema.updateSQL(cols), append(args, id)...).Scan(&row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errval.NotFound("%s %d not found", schema.table, id)
	}
	if err != nil {
		return nil, classify(err, "update "+schema.table)
	}
	return decodeRow(row)
}

func (s *Storage) Delete(ctx context.Context, model string, id int64) error {
	schema, err := schemaFor(model)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, schema.deleteSQL(), id)
	if err != nil {
		return classify(err, "delete "+schema.table)
	}
	if tag.RowsAffected() == 0 {
		return errval.NotFound("%s %d not found", schema.table, id)
	}
	return nil
}

func (s *Storage) Find(ctx context.Context, model string, id int64) (domain.Record, error) {
	schema, err := schemaFor(model)
	if err != nil {
		return nil, err
	}

	var row pgtype.JSON
	err = s.pool.QueryRow(ctx, schema.selectSQL(), id).Scan(&row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errval.NotFound("%s %d not found", schema.table, id)
	}
	if err != nil {
		return nil, classify(err, "find "+schema.table)
	}
	return decodeRow(row)
}

// BulkCreate inserts every row or none of them
func (s *Storage) BulkCreate(ctx context.Context, model string, rows []domain.Record) (created []domain.Record, err error) {
	schema, err := schemaFor(model)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classify(err, "begin")
	}

	created = make([]domain.Record, 0, len(rows))
	for _, data := range rows {
		record, err := s.insert(ctx, tx, schema, data)
		if err != nil {
			rollback(ctx, tx)
			return nil, err
		}
		created = append(created, record)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify(err, "commit")
	}
	return created, nil
}

// BulkUpdate applies every update or none of them; a missing id aborts the batch
func (s *Storage) BulkUpdate(ctx context.Context, model string, updates []domain.RecordUpdate) (int64, error) {
	schema, err := schemaFor(model)
	if err != nil {
		return 0, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, classify(err, "begin")
	}

	var n int64
	for _, u := range updates {
		if _, err := s.update(ctx, tx, schema, u.ID, u.Data); err != nil {
			rollback(ctx, tx)
			return 0, err
		}
		n++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, classify(err, "commit")
	}
	return n, nil
}

func (s *Storage) BulkDelete(ctx context.Context, model string, ids []int64) (int64, error) {
	schema, err := schemaFor(model)
	if err != nil {
		return 0, err
	}

	tag, err := s.pool.Exec(ctx, schema.bulkDeleteSQL(), ids)
	if err != nil {
		return 0, classify(err, "bulk delete "+schema.table)
	}
	return tag.RowsAffected(), nil
}

// ReserveSeat takes one seat of a section for a student. The section row stays locked until commit,
// so concurrent reservations of the same section run one after another.
func (s *Storage) ReserveSeat(ctx context.Context, req domain.SeatRequest) (*domain.SeatReservation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classify(err, "begin")
	}

	qtx := s.queries.WithTx(tx)
	section, err := qtx.LockSectionForUpdate(ctx, req.SectionID)
	if err != nil {
		rollback(ctx, tx)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errval.Unprocessable("section %d does not exist", req.SectionID)
		}
		return nil, classify(err, "lock section")
	}

	if !section.Active {
		rollback(ctx, tx)
		return nil, errval.Unprocessable("section %d is not active", req.SectionID)
	}
	if section.Term != req.Term {
		rollback(ctx, tx)
		return nil, errval.Unprocessable("section %d is offered in term %s, not %s", req.SectionID, section.Term, req.Term)
	}
	if section.Cupo <= 0 {
		rollback(ctx, tx)
		return nil, errval.Unprocessable("no seats available in section %d", req.SectionID)
	}

	exists, err := qtx.EnrollmentExists(ctx, EnrollmentExistsParams{StudentID: req.StudentID, SectionID: req.SectionID})
	if err != nil {
		rollback(ctx, tx)
		return nil, classify(err, "check enrollment")
	}
	if exists {
		rollback(ctx, tx)
		return nil, errval.Conflict("student %d is already enrolled in section %d", req.StudentID, req.SectionID)
	}

	enrollment, err := qtx.InsertEnrollment(ctx, InsertEnrollmentParams{
		StudentID: req.StudentID,
		SectionID: req.SectionID,
		Term:      req.Term,
	})
	if err != nil {
		rollback(ctx, tx)
		return nil, classify(err, "insert enrollment")
	}

	remaining, err := qtx.DecrementSectionSeats(ctx, req.SectionID)
	if err != nil {
		rollback(ctx, tx)
		return nil, classify(err, "decrement seats")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify(err, "commit")
	}

	return &domain.SeatReservation{
		EnrollmentID:   enrollment.ID,
		StudentID:      req.StudentID,
		SectionID:      req.SectionID,
		Term:           req.Term,
		SeatsRemaining: remaining,
		CreatedAtStamp: enrollment.CreatedAt.Time.Unix(),
	}, nil
}

func rollback(ctx context.Context, tx pgx.Tx) {
	// the caller's ctx may already be done, the rollback still has to reach the server
	err := tx.Rollback(context.WithoutCancel(ctx))
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		slog.Error("Error occurred while rolling back transaction", "error", err.Error())
	}
}

func decodeRow(row pgtype.JSON) (domain.Record, error) {
	record := domain.Record{}
	if row.Status != pgtype.Present {
		return record, nil
	}
	if err := json.Unmarshal(row.Bytes, &record); err != nil {
		return nil, err
	}
	return record, nil
}
