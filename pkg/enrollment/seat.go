package enrollment

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/sf7293/enrollment-taskqueue/internal/domain"
	"github.com/sf7293/enrollment-taskqueue/internal/errval"
)

// SeatTask reserves one seat of a section for a student
type SeatTask struct {
	Store domain.RecordStore
}

func NewSeatTask(store domain.RecordStore) SeatTask {
	return SeatTask{Store: store}
}

func (s SeatTask) Execute(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
	var req domain.SeatRequest
	if err := json.Unmarshal(task.Payload, &req); err != nil {
		return nil, errval.Wrap(errval.KindValidation, "seat request payload is malformed", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	reservation, err := s.Store.ReserveSeat(ctx, req)
	if err != nil {
		slog.InfoContext(ctx, "seat reservation rejected", "task_id", task.ID, "student_id", req.StudentID, "section_id", req.SectionID, "error", err)
		return nil, err
	}

	slog.InfoContext(ctx, "seat reserved", "task_id", task.ID, "enrollment_id", reservation.EnrollmentID, "seats_remaining", reservation.SeatsRemaining)
	return json.Marshal(reservation)
}
