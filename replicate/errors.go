package replicate

import (
	"errors"
	"fmt"
)

var ErrDatabaseMissing = errors.New("database does not exist")

// VerificationError means a requested database is absent on one side. Only
// that database is skipped.
type VerificationError struct {
	Database string
	Side     string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("database %s does not exist on %s", e.Database, e.Side)
}

func (e *VerificationError) Unwrap() error { return ErrDatabaseMissing }

type TruncationError struct {
	Database string
	Table    string
	Err      error
}

func (e *TruncationError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("truncate %s.%s: %v", e.Database, e.Table, e.Err)
	}
	return fmt.Sprintf("truncate tables of %s: %v", e.Database, e.Err)
}

func (e *TruncationError) Unwrap() error { return e.Err }

type TransferError struct {
	Database  string
	Table     string
	Direction Direction
	Err       error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s.%s to %s: %v", e.Database, e.Table, e.Direction, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }
