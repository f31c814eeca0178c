package pipeline

import (
	"errors"

	"github.com/tessera-db/tessera/frontend/bind"
	"github.com/tessera-db/tessera/frontend/cache"
	"github.com/tessera-db/tessera/frontend/engine"
	"github.com/tessera-db/tessera/frontend/xproto"
	"github.com/tessera-db/tessera/pkg/txstatus"
)

// MsgExecute routes the entry to the backend according to its SQL
// classifier and returns the resulting transaction state. Execution
// failures are captured into the entry's error buffer; they surface as
// an ErrorResponse on the next sync, never as a Go error here.
func (e *Entry) MsgExecute(
	ctx *engine.ExecContext,
	txState txstatus.TXStatus,
	insCache *cache.InsertCache,
	pendingWriters map[engine.TableToken]engine.TableWriter,
	writerSource engine.WriterSource,
) txstatus.TXStatus {
	// do not execute anything that has been parse-executed
	if e.parseExecuted {
		e.parseExecuted = false
		return txState
	}
	ctx.SetContainsSecret(e.sqlTextHasSecret)

	var err error
	switch e.sqlType {
	case engine.QueryExplain, engine.QuerySelect, engine.QueryPseudoSelect:
		err = e.executeSelect(ctx)
	case engine.QueryInsert:
		err = e.executeInsert(ctx, txState, insCache, pendingWriters, writerSource)
	case engine.QueryUpdate:
		err = e.executeUpdate(ctx, txState, pendingWriters)
	case engine.QueryAlter, engine.QueryAlterUser, engine.QueryCreateUser:
		err = e.executeOperation(ctx, txState)
	case engine.QueryDeallocate:
		// arrival path via EXECUTE, as opposed to the CLOSE message;
		// the reply format differs and full deallocation here is
		// deliberately rejected rather than guessed at
		err = xproto.Kaputf("unsupported via execute message [statement=%s]", e.statementNameToDeallocate)
	case engine.QueryBegin:
		return txstatus.TXACT
	case engine.QueryCommit, engine.QueryRollback:
		FreePendingWriters(pendingWriters, e.sqlType == engine.QueryCommit)
		return txstatus.TXIDLE
	default:
		// execute DDL that has not been parse-executed
		if !e.empty {
			err = e.engine.DDL(ctx, e.sqlText)
		}
	}
	if err != nil {
		e.CaptureError(err)
	}
	return txState
}

func (e *Entry) bindValues(ctx *engine.ExecContext) error {
	return bind.CopyValuesToBinds(
		e.arena.Bytes(),
		e.paramValueCount,
		&e.paramFormatCodes,
		e.outParameterOIDs,
		ctx.BindVariableService(),
	)
}

func (e *Entry) executeSelect(ctx *engine.ExecContext) error {
	if e.cursor != nil {
		return nil
	}
	ctx.CircuitBreaker().ResetTimer()
	ctx.SetCacheHit(e.cacheHit)

	if e.factory == nil {
		// the factory was evicted by an earlier failure
		if err := e.CompileNewSQL(ctx, e.sqlText); err != nil {
			return err
		}
	}
	oldMeta := e.factory.Metadata()
	for attempt := 1; ; attempt++ {
		if err := e.bindValues(ctx); err != nil {
			e.evictErroneousSelect()
			return err
		}
		cursor, err := e.factory.Cursor(ctx)
		if err == nil {
			e.cursor = cursor
			return nil
		}
		var outOfDate *engine.TableReferenceOutOfDateError
		if !errors.As(err, &outOfDate) || attempt == e.maxRecompileAttempts {
			e.evictErroneousSelect()
			return err
		}
		e.cacheHit = false
		ctx.SetCacheHit(false)
		e.factory.Close()
		e.factory = nil
		e.resultColumnTypes = e.resultColumnTypes[:0]
		if err := e.CompileNewSQL(ctx, e.sqlText); err != nil {
			e.evictErroneousSelect()
			return err
		}
		if err := e.validateMetadataAfterRecompile(oldMeta); err != nil {
			return err
		}
	}
}

// evictErroneousSelect un-caches the SQL that just failed so the next
// PARSE recompiles from scratch.
func (e *Entry) evictErroneousSelect() {
	e.tas = nil
	e.factory = nil
}

func (e *Entry) validateMetadataAfterRecompile(oldMeta *engine.Metadata) error {
	if e.IsPreparedStatement() && !engine.EqualColumnNamesAndTypes(oldMeta, e.factory.Metadata()) {
		e.stalePlanError = true
		return xproto.Kaput("cached plan must not change result type")
	}
	return nil
}

func (e *Entry) executeInsert(
	ctx *engine.ExecContext,
	txState txstatus.TXStatus,
	insCache *cache.InsertCache,
	pendingWriters map[engine.TableToken]engine.TableWriter,
	writerSource engine.WriterSource,
) error {
	switch txState {
	case txstatus.TXACT:
		for attempt := 1; ; attempt++ {
			if err := e.bindValues(ctx); err != nil {
				return err
			}
			m, err := e.insertOp.CreateMethod(ctx, writerSource)
			if err == nil {
				e.affectedRowCount, err = m.Execute(ctx)
				if err != nil {
					m.Close()
					return err
				}
				// commit is deferred to the transaction end
				writer := m.PopWriter()
				pendingWriters[writer.Token()] = writer
				if e.tai != nil && e.tai.HasBindVariables() {
					insCache.Put(e.sqlText, e.tai)
				}
				return nil
			}
			if retryErr := e.insertRetryOrFail(ctx, insCache, err, attempt); retryErr != nil {
				return retryErr
			}
		}
	case txstatus.TXERR:
		// transaction is in error state, skip execution
		return nil
	default:
		// no explicit transaction: commit in place
		for attempt := 1; ; attempt++ {
			if err := e.bindValues(ctx); err != nil {
				return err
			}
			m, err := e.insertOp.CreateMethod(ctx, writerSource)
			if err == nil {
				e.affectedRowCount, err = m.Execute(ctx)
				if err == nil {
					err = m.Commit()
				}
				m.Close()
				if err != nil {
					return err
				}
				if e.tai != nil && e.tai.HasBindVariables() {
					insCache.Put(e.sqlText, e.tai)
				}
				return nil
			}
			if retryErr := e.insertRetryOrFail(ctx, insCache, err, attempt); retryErr != nil {
				return retryErr
			}
		}
	}
}

// insertRetryOrFail recompiles a stale insert plan, discarding the old
// artifact, or returns the original error when retries are exhausted
// or the failure is not a stale plan.
func (e *Entry) insertRetryOrFail(ctx *engine.ExecContext, insCache *cache.InsertCache, err error, attempt int) error {
	var outOfDate *engine.TableReferenceOutOfDateError
	if !errors.As(err, &outOfDate) || attempt == e.maxRecompileAttempts {
		return err
	}
	if e.tai != nil {
		insCache.Remove(e.sqlText)
		e.tai = nil
	}
	if e.insertOp != nil {
		e.insertOp.Close()
		e.insertOp = nil
	}
	return e.CompileNewSQL(ctx, e.sqlText)
}

func (e *Entry) executeUpdate(
	ctx *engine.ExecContext,
	txState txstatus.TXStatus,
	pendingWriters map[engine.TableToken]engine.TableWriter,
) error {
	if txState == txstatus.TXERR {
		return nil
	}
	if err := e.bindValues(ctx); err != nil {
		return err
	}
	for attempt := 1; ; attempt++ {
		var err error
		if writer, ok := pendingWriters[e.updateOp.TableToken()]; ok {
			// update implicitly commits; the writer cannot carry two
			// commits in one call, so commit the pending work upfront
			if err = writer.Commit(); err == nil {
				e.affectedRowCount, err = writer.ApplyUpdate(ctx, e.updateOp)
			}
		} else {
			e.affectedRowCount, err = e.updateOp.Execute(ctx)
		}
		if err == nil {
			return nil
		}
		var outOfDate *engine.TableReferenceOutOfDateError
		if !errors.As(err, &outOfDate) || attempt == e.maxRecompileAttempts {
			return err
		}
		e.updateOp.Close()
		e.updateOp = nil
		if err := e.CompileNewSQL(ctx, e.sqlText); err != nil {
			return err
		}
	}
}

func (e *Entry) executeOperation(ctx *engine.ExecContext, txState txstatus.TXStatus) error {
	if txState == txstatus.TXERR {
		return nil
	}
	if err := e.bindValues(ctx); err != nil {
		return err
	}
	for attempt := 1; ; attempt++ {
		affected, err := e.operation.Execute(ctx)
		if err == nil {
			e.affectedRowCount = affected
			return nil
		}
		var outOfDate *engine.TableReferenceOutOfDateError
		if !errors.As(err, &outOfDate) || attempt == e.maxRecompileAttempts {
			return err
		}
		e.operation.Close()
		e.operation = nil
		if err := e.CompileNewSQL(ctx, e.sqlText); err != nil {
			return err
		}
	}
}

// FreePendingWriters commits or rolls back every deferred writer and
// always clears the map.
func FreePendingWriters(pendingWriters map[engine.TableToken]engine.TableWriter, commit bool) {
	for token, w := range pendingWriters {
		if commit {
			_ = w.Commit()
		} else {
			_ = w.Rollback()
		}
		w.Close()
		delete(pendingWriters, token)
	}
}
