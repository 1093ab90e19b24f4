package storage

import (
	"database/sql/driver"
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Postgres codes treated as transient: serialization_failure,
// deadlock_detected, lock_not_available, query_canceled.
var pqTransientCodes = map[pq.ErrorCode]struct{}{
	"40001": {},
	"40P01": {},
	"55P03": {},
	"57014": {},
}

// MySQL errno treated as transient: lock wait timeout, deadlock,
// server gone away, lost connection.
var mysqlTransientCodes = map[uint16]struct{}{
	1205: {},
	1213: {},
	2006: {},
	2013: {},
}

// IsTransient reports whether the error is worth retrying. Constraint,
// syntax and permission failures are permanent and propagate
// immediately.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		_, ok := pqTransientCodes[pqErr.Code]
		return ok
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		_, ok := mysqlTransientCodes[myErr.Number]
		return ok
	}

	return false
}
