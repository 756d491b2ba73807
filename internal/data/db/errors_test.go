package db

import (
	"errors"
	"fmt"
	"testing"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsUniqueViolation(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"gorm duplicated", fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), true},
		{"postgres 23505", &pgconn.PgError{Code: "23505"}, true},
		{"postgres fk", &pgconn.PgError{Code: "23503"}, false},
		{"mysql 1062", &mysqldriver.MySQLError{Number: 1062}, true},
		{"sqlite message", errors.New("UNIQUE constraint failed: idempotency_keys.idempotency_key"), true},
		{"other", errors.New("connection reset"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsUniqueViolation(tc.err))
		})
	}
}

func TestDialectorForRejectsUnknownDriver(t *testing.T) {
	_, err := dialectorFor(Options{Driver: "oracle", DSN: "x"})
	assert.Error(t, err)

	_, err = dialectorFor(Options{Driver: DriverSQLite})
	assert.Error(t, err)
}
