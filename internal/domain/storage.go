package domain

import "context"

const (
	ModelStudent    = "student"
	ModelCourse     = "course"
	ModelSection    = "section"
	ModelEnrollment = "enrollment"
	ModelGrade      = "grade"
)

func Models() []string {
	return []string{ModelStudent, ModelCourse, ModelSection, ModelEnrollment, ModelGrade}
}

func IsModel(name string) bool {
	for _, m := range Models() {
		if m == name {
			return true
		}
	}
	return false
}

// Record is one row of a registered model keyed by column name
type Record map[string]any

type RecordUpdate struct {
	ID   int64  `json:"id"`
	Data Record `json:"data"`
}

// RecordStore is the relational side the task handlers write to.
// Implementations must support transactions and row-level locks.
type RecordStore interface {
	Ping(ctx context.Context) (err error)
	Create(ctx context.Context, model string, data Record) (Record, error)
	Update(ctx context.Context, model string, id int64, data Record) (Record, error)
	Delete(ctx context.Context, model string, id int64) error
	Find(ctx context.Context, model string, id int64) (Record, error)
	BulkCreate(ctx context.Context, model string, rows []Record) ([]Record, error)
	BulkUpdate(ctx context.Context, model string, updates []RecordUpdate) (int64, error)
	BulkDelete(ctx context.Context, model string, ids []int64) (int64, error)
	ReserveSeat(ctx context.Context, req SeatRequest) (*SeatReservation, error)
}

type SeatRequest struct {
	StudentID int64  `json:"student_id" validate:"gt=0"`
	SectionID int64  `json:"section_id" validate:"gt=0"`
	Term      string `json:"term" validate:"required,max=32"`
}

// SeatReservation carries the seat count observed inside the reserving transaction
type SeatReservation struct {
	EnrollmentID   int64  `json:"enrollment_id"`
	StudentID      int64  `json:"student_id"`
	SectionID      int64  `json:"section_id"`
	Term           string `json:"term"`
	SeatsRemaining int32  `json:"seats_remaining"`
	CreatedAtStamp int64  `json:"created_at_stamp"`
}
