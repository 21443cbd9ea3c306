package mysql

import (
	"errors"
	"fmt"

	gomysql "github.com/go-sql-driver/mysql"
)

var ErrNotConnected = errors.New("database manager is not connected")

// ConnectionError reports an unreachable endpoint, rejected credentials, or
// a connection slot that could not be obtained in time.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

const (
	erAccessDenied   = 1045
	erDBAccessDenied = 1044
	erBadDB          = 1049
)

func driverErrorNumber(err error) uint16 {
	var me *gomysql.MySQLError
	if errors.As(err, &me) {
		return me.Number
	}
	return 0
}

func IsAccessDenied(err error) bool {
	n := driverErrorNumber(err)
	return n == erAccessDenied || n == erDBAccessDenied
}

func IsUnknownDatabase(err error) bool {
	return driverErrorNumber(err) == erBadDB
}
