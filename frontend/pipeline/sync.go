package pipeline

import (
	"strconv"

	"github.com/tessera-db/tessera/frontend/engine"
	"github.com/tessera-db/tessera/frontend/wire"
	"github.com/tessera-db/tessera/frontend/xproto"
	"github.com/tessera-db/tessera/pkg/models/tesserror"
)

// MsgSync writes the entry's response into the output buffer. The
// response is typically larger than the buffer, so this method is
// re-entrant: it returns wire.ErrNoSpace when the caller has to flush
// and call again (a flush that moves zero bytes means the response can
// never fit and the protocol must error out), and *PausedError when
// the cursor waits on cold storage; the entry keeps enough state to
// resume exactly where it left off.
//
// After a completed sync the transient stage flags are cleared; the
// identity (names, cached SQL payload) survives for the next
// bind/execute cycle.
func (e *Entry) MsgSync(
	ctx *engine.ExecContext,
	pendingWriters map[engine.TableToken]engine.TableWriter,
	out *wire.OutBuf,
) error {
	if e.err {
		if err := e.outError(out, pendingWriters); err != nil {
			return err
		}
		e.clearState()
		return nil
	}

	if e.stateSync == syncStart {
		if e.stateParse {
			if err := e.outParseComplete(out); err != nil {
				return err
			}
		}
		e.stateSync = syncBind
	}
	if e.stateSync == syncBind {
		if e.stateBind {
			if err := e.outBindComplete(out); err != nil {
				return err
			}
		}
		e.stateSync = syncDescribe
	}
	if e.stateSync == syncDescribe {
		switch e.stateDesc {
		case xproto.DescNamedStatement:
			if err := e.outParameterTypeDescription(out); err != nil {
				return err
			}
			fallthrough
		case xproto.DescPortal, xproto.DescUnnamedPortal:
			if e.factory != nil {
				if err := e.outRowDescription(out); err != nil {
					return err
				}
			} else {
				if err := e.outNoData(out); err != nil {
					return err
				}
			}
		}
		e.stateSync = syncExec
	}
	if e.stateSync == syncExec || e.stateSync == syncCursor {
		if e.empty && !e.preparedStatement && !e.portal {
			// strangely, the Java driver does not expect an empty
			// query response when its empty query was prepared
			if err := e.outEmptyQuery(out); err != nil {
				return err
			}
			e.stateSync = syncDone
		} else if e.stateExec {
			switch e.sqlType {
			case engine.QueryExplain, engine.QuerySelect, engine.QueryPseudoSelect:
				// long response: enters the interruptible inner state
				// machine, which moves stateSync to 20/30 on its own
				if err := e.outCursor(ctx, out); err != nil {
					return err
				}
			case engine.QueryInsert, engine.QueryInsertAsSelect:
				if err := e.outCommandCompleteInsert(out); err != nil {
					return err
				}
				e.stateSync = syncDone
			case engine.QueryUpdate, engine.QueryCreateTableAsSelect:
				if err := e.outCommandComplete(out, e.affectedRowCount); err != nil {
					return err
				}
				e.stateSync = syncDone
			default:
				if err := e.outCommandCompleteTagOnly(out); err != nil {
					return err
				}
				e.stateSync = syncDone
			}
		}
	}

	// the cursor exit states are set inside outCursor and cannot be
	// re-checked by the stage sequence above
	if !e.err {
		switch e.stateSync {
		case syncCursorComplete:
			e.closeCursor()
			if err := e.outCommandComplete(out, e.returnRowCount); err != nil {
				return err
			}
		case syncPortalSuspend:
			if err := e.outPortalSuspended(out); err != nil {
				return err
			}
			if !e.portal {
				// not a named portal: close the cursor even though it
				// was not fully exhausted
				e.closeCursor()
			}
		}
	}

	if e.stateClosed {
		if err := e.outCloseComplete(out); err != nil {
			return err
		}
	}

	if e.err {
		if err := e.outError(out, pendingWriters); err != nil {
			return err
		}
	}

	// prepare the entry for the next execution iteration, in case it
	// is a prepared statement or a portal
	e.clearState()
	return nil
}

// outError emits the ErrorResponse for the entry's error buffer.
// Pending writers roll back: an error inside a transaction poisons it.
func (e *Entry) outError(out *wire.OutBuf, pendingWriters map[engine.TableToken]engine.TableWriter) error {
	FreePendingWriters(pendingWriters, false)
	e.closeCursor()
	out.ResetToBookmark()

	out.PutByte(xproto.MsgErrorResponse)
	addr := out.SkipInt()

	out.PutByte('C') // SQLSTATE
	if e.stalePlanError {
		// what PostgreSQL sends when recompiling a query produced a
		// different result set; clients restart the query on it
		out.PutZ(tesserror.SQLSTATE_FEATURE_NOT_SUPPORTED)
		out.PutByte('R')
		out.PutZ(tesserror.RoutineRevalidateCachedQuery)
	} else {
		out.PutZ(tesserror.SQLSTATE_SUCCESSFUL_COMPLETION)
	}

	out.PutByte('M')
	out.PutZ(e.errorMessage.String())
	out.PutByte('S')
	out.PutZ("ERROR")
	if e.errorPosition > -1 {
		out.PutByte('P')
		// the protocol counts positions from 1
		out.PutBytes(strconv.AppendInt(e.scratch[:0], int64(e.errorPosition+1), 10))
		out.PutByte(0)
	}
	out.PutByte(0)
	out.PutLenAt(addr)
	if err := out.Err(); err != nil {
		return err
	}
	out.Bookmark()
	return nil
}
