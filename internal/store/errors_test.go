package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapError(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"nil", nil, nil},
		{"no rows", pgx.ErrNoRows, ErrNotFound},
		{"wrapped no rows", fmt.Errorf("query: %w", pgx.ErrNoRows), ErrNotFound},
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"constraint violation", &pgconn.PgError{Code: "23505", Message: "duplicate key"}, ErrValidation},
		{"bad text representation", &pgconn.PgError{Code: "22P02", Message: "invalid input"}, ErrValidation},
		{"connection failure", &pgconn.PgError{Code: "08006", Message: "connection failure"}, ErrTransient},
		{"unknown", errors.New("broken pipe"), ErrTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := mapError(tc.in)
			if tc.want == nil {
				if got != nil {
					t.Fatalf("mapError = %v, want nil", got)
				}
				return
			}
			if !errors.Is(got, tc.want) {
				t.Errorf("mapError(%v) = %v, want kind %v", tc.in, got, tc.want)
			}
		})
	}
}
