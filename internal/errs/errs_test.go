package errs

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("complete job: %w", New(Conflict, "job %s already failed", "j1"))
	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, Conflict, KindOf(err))
	assert.Equal(t, "complete job: job j1 already failed", err.Error())
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
	assert.Equal(t, "internal_error", KindOf(errors.New("boom")).String())
}

func TestFromStore(t *testing.T) {
	assert.NoError(t, FromStore(nil))
	assert.True(t, errors.Is(FromStore(sql.ErrNoRows), ErrNotFound))
	assert.True(t, errors.Is(FromStore(sql.ErrConnDone), ErrStoreUnavailable))

	already := New(InvalidInput, "kind is required")
	assert.Same(t, already, FromStore(already))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		NotFound:         http.StatusNotFound,
		Conflict:         http.StatusConflict,
		InvalidInput:     http.StatusBadRequest,
		StoreUnavailable: http.StatusServiceUnavailable,
		HandlerFailure:   http.StatusInternalServerError,
		Unauthorized:     http.StatusUnauthorized,
		RateLimited:      http.StatusTooManyRequests,
		Internal:         http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.HTTPStatus(), kind.String())
	}
	assert.True(t, StoreUnavailable.Retryable())
	assert.False(t, Conflict.Retryable())
}
