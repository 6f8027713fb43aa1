package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(&pgconn.PgError{Code: "40P01"}))
	assert.True(t, Retryable(fmt.Errorf("insert booking: %w", &pgconn.PgError{Code: "40001"})))
	assert.False(t, Retryable(&pgconn.PgError{Code: "23P01"}), "exclusion violations are real conflicts")
	assert.False(t, Retryable(errors.New("connection reset")))
}
