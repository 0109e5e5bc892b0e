package errval

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"classified", Unprocessable("no seats available"), KindUnprocessable},
		{"wrapped classified", fmt.Errorf("reserve: %w", Conflict("already enrolled")), KindConflict},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"wrapped deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), KindTransient},
		{"queue sentinel", ErrQueueNotFound, KindNotFound},
		{"plain", errors.New("boom"), KindInternal},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorIsMatchesKindSentinel(t *testing.T) {
	err := fmt.Errorf("handler: %w", Conflict("student %d already enrolled", 7))

	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrUnprocessable))
	assert.Equal(t, "student 7 already enrolled", Message(err))
}

func TestTransientKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: i/o timeout")
	err := Transient("record store unavailable", cause)

	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "record store unavailable: dial tcp: i/o timeout", err.Error())
	assert.Equal(t, "record store unavailable", Message(err))
}
