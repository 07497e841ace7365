package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyPG(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"bad conn", driver.ErrBadConn, ErrSinkRetryable},
		{"deadline", context.DeadlineExceeded, ErrSinkRetryable},
		{"canceled", context.Canceled, ErrSinkRetryable},
		{"connection failure 08006", &pq.Error{Code: "08006"}, ErrSinkRetryable},
		{"serialization failure 40001", &pq.Error{Code: "40001"}, ErrSinkRetryable},
		{"too many connections 53300", &pq.Error{Code: "53300"}, ErrSinkRetryable},
		{"admin shutdown 57P01", &pq.Error{Code: "57P01"}, ErrSinkRetryable},
		{"unique violation 23505", &pq.Error{Code: "23505"}, ErrSinkFatal},
		{"undefined table 42P01", &pq.Error{Code: "42P01"}, ErrSinkFatal},
		{"unknown error", errors.New("socket closed"), ErrSinkRetryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classifyPG(tt.err), tt.want)
		})
	}

	assert.NoError(t, classifyPG(nil))
}

func TestNewPostgresSinkOpensLazily(t *testing.T) {
	// sql.Open validates nothing, so construction works without a server.
	sink, err := NewPostgresSink("postgres://cwatcher@localhost:1/cwatcher?sslmode=disable", zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, sink)
	assert.NoError(t, sink.Close())
}
