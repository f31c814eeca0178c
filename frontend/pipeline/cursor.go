package pipeline

import (
	"errors"
	"fmt"
	"math"

	"github.com/tessera-db/tessera/frontend/engine"
	"github.com/tessera-db/tessera/frontend/wire"
)

// PausedError is a control-flow signal, not a failure: the cursor hit
// cold storage and the connection should leave the scheduler until the
// wake-up event fires, then re-enter MsgSync.
type PausedError struct {
	Event uint64
}

func (e *PausedError) Error() string {
	return fmt.Sprintf("query paused [event=%d]", e.Event)
}

func (e *Entry) outComputeCursorSize() {
	e.returnRowCount = 0
	if e.returnRowCountLimit > 0 {
		e.returnRowCountToBeSent = e.returnRowCountLimit
	} else {
		e.returnRowCountToBeSent = math.MaxInt64
	}
}

// outCursor drives the resumable result stream. The entry stays in
// stage 4/5 while streaming; the exit decision lands it in 20 (cursor
// exhausted) or 30 (portal suspended), both handled by MsgSync after
// the outer stage sequence.
func (e *Entry) outCursor(ctx *engine.ExecContext, out *wire.OutBuf) error {
	if e.stateSync == syncExec {
		e.outComputeCursorSize()
		e.stateSync = syncCursor
	}
	out.Bookmark()
	return e.outCursorRecords(ctx, out)
}

func (e *Entry) outCursorRecords(ctx *engine.ExecContext, out *wire.OutBuf) error {
	if !ctx.CircuitBreaker().IsTimerSet() {
		ctx.CircuitBreaker().ResetTimer()
	}

	columnCount := len(e.resultColumnTypes) / 2
	var streamErr error

	if e.resendCursorRecord {
		// the previous attempt was interrupted mid-row; the cursor
		// was not advanced again, re-emit the same record
		streamErr = e.outRecord(out, e.cursor.Record(), columnCount)
	}
	if streamErr == nil {
		for e.returnRowCount < e.returnRowCountToBeSent {
			hasNext, err := e.cursor.Next()
			if err != nil {
				streamErr = err
				break
			}
			if !hasNext {
				break
			}
			e.resendCursorRecord = true
			if err := e.outRecord(out, e.cursor.Record(), columnCount); err != nil {
				streamErr = err
				break
			}
		}
	}

	if streamErr != nil {
		if errors.Is(streamErr, wire.ErrNoSpace) {
			// no reset: the caller flushes complete messages and
			// re-enters; the partial row is discarded by the flush
			// and re-emitted via resendCursorRecord
			return streamErr
		}
		var unavailable *engine.DataUnavailableError
		if errors.As(streamErr, &unavailable) {
			out.ResetToBookmark()
			return &PausedError{Event: unavailable.Event}
		}
		out.ResetToBookmark()
		e.CaptureError(streamErr)
		return nil
	}

	// the loop ended either on the batch limit or on exhaustion; the
	// result set went out as intended, the difference is the suffix
	if e.returnRowCount < e.returnRowCountToBeSent {
		e.stateSync = syncCursorComplete
	} else {
		e.stateSync = syncPortalSuspend
	}
	return nil
}

func (e *Entry) closeCursor() {
	if e.cursor != nil {
		e.cursor.Close()
		e.cursor = nil
	}
}
