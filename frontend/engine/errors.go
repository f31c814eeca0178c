package engine

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned by cursors when the circuit breaker fires.
var ErrTimeout = errors.New("timeout, query aborted")

// TableReferenceOutOfDateError reports that a cached plan references a
// table whose structure drifted since compilation. The caller is
// expected to recompile and retry.
type TableReferenceOutOfDateError struct {
	Token TableToken
}

func (e *TableReferenceOutOfDateError) Error() string {
	return fmt.Sprintf("cached query plan cannot be used because table schema has changed [table=%s]", e.Token.Table)
}

// DataUnavailableError is a control-flow signal, not a failure: the
// cursor needs data from cold storage. Event identifies the wake-up
// the scheduler should wait on before resuming.
type DataUnavailableError struct {
	Token TableToken
	Event uint64
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("data is unavailable [table=%s, event=%d]", e.Token.Table, e.Event)
}

// SQLError is a compilation or execution failure with an optional
// position into the SQL text (0-based, -1 when unknown).
type SQLError struct {
	Message  string
	Position int
}

func NewSQLError(position int, format string, a ...any) *SQLError {
	return &SQLError{Message: fmt.Sprintf(format, a...), Position: position}
}

func (e *SQLError) Error() string {
	return e.Message
}
