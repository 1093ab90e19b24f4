package storage

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"bad conn", driver.ErrBadConn, true},
		{"wrapped bad conn", fmt.Errorf("exec: %w", driver.ErrBadConn), true},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"sqlite locked", sqlite3.Error{Code: sqlite3.ErrLocked}, true},
		{"sqlite constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"pq serialization", &pq.Error{Code: "40001"}, true},
		{"pq deadlock", &pq.Error{Code: "40P01"}, true},
		{"pq lock not available", &pq.Error{Code: "55P03"}, true},
		{"pq query canceled", &pq.Error{Code: "57014"}, true},
		{"pq unique violation", &pq.Error{Code: "23505"}, false},
		{"mysql lock wait timeout", &mysql.MySQLError{Number: 1205}, true},
		{"mysql deadlock", &mysql.MySQLError{Number: 1213}, true},
		{"mysql gone away", &mysql.MySQLError{Number: 2006}, true},
		{"mysql duplicate key", &mysql.MySQLError{Number: 1062}, false},
		{"wrapped sqlite busy", fmt.Errorf("tx: %w", sqlite3.Error{Code: sqlite3.ErrBusy}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
