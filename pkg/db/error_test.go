package db

import (
	"errors"
	"fmt"
	"testing"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"gorm", gorm.ErrDuplicatedKey, true},
		{"pgx", &pgconn.PgError{Code: "23505"}, true},
		{"pgx_wrapped", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), true},
		{"pq", &pq.Error{Code: "23505"}, true},
		{"mysql", &mysqldriver.MySQLError{Number: 1062}, true},
		{"pgx_other", &pgconn.PgError{Code: "40001"}, false},
		{"message_only", errors.New("duplicate key value violates unique constraint"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsDuplicateKeyErr(tc.err); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestIsTransientErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pq.Error{Code: "40P01"}, true},
		{"lock_timeout", &pgconn.PgError{Code: "55P03"}, true},
		{"mysql_deadlock", &mysqldriver.MySQLError{Number: 1213}, true},
		{"unique", &pgconn.PgError{Code: "23505"}, false},
		{"plain", errors.New("timeout talking to db"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransientErr(tc.err); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}
