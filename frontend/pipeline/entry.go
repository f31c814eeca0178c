package pipeline

import (
	"errors"
	"strings"

	"github.com/tessera-db/tessera/frontend/bind"
	"github.com/tessera-db/tessera/frontend/cache"
	"github.com/tessera-db/tessera/frontend/engine"
	"github.com/tessera-db/tessera/frontend/xproto"
	"github.com/tessera-db/tessera/pkg/tesslog"
)

// sync progress values. 0..6 are the outer stages; 20 and 30 are set
// by the cursor streamer and handled after the outer sequence.
const (
	syncStart          = 0
	syncBind           = 1
	syncDescribe       = 2
	syncExec           = 4
	syncCursor         = 5
	syncDone           = 6
	syncCursorComplete = 20
	syncPortalSuspend  = 30
)

// Entry owns the lifecycle of one compiled SQL through the extended
// query pipeline: parse, bind, describe, execute, sync, close. It is
// re-entrant on MsgSync only; all other operations run exactly once
// per wire message.
type Entry struct {
	engine               engine.Engine
	maxRecompileAttempts int
	maxBlobSize          int

	sqlText          string
	sqlTextHasSecret bool
	sqlType          engine.QueryType
	sqlTag           string
	empty            bool
	cacheHit         bool

	// at most one of these is set, depending on sqlType
	factory   engine.CursorFactory
	insertOp  engine.InsertOperation
	updateOp  engine.UpdateOperation
	operation engine.Operation

	tas *cache.TypesAndSelect
	tai *cache.TypesAndInsert

	// parse-time descriptor
	parseParameterOIDs []uint32
	outParameterOIDs   []uint32

	// result set descriptor: flattened (column type, geo bit flags)
	// pairs; always 2 x column count when a factory exists
	resultColumnTypes []int32

	// bind-time state
	arena                 bind.Arena
	paramValueCount       int
	paramFormatCodes      bind.Bitset
	selectFormatCodes     bind.Bitset
	selectFormatCodeCount int16

	// cursor state
	cursor             engine.Cursor
	resendCursorRecord bool
	returnRowCount     int64
	// ceiling for the current batch; MaxInt64 when unlimited
	returnRowCountToBeSent int64
	returnRowCountLimit    int64

	affectedRowCount int64
	parseExecuted    bool

	// identity
	preparedStatement       bool
	preparedStatementName   string
	portal                  bool
	portalName              string
	portalNames             []string
	parentPreparedStatement *Entry // lookup only, never ownership

	statementNameToDeallocate string

	// stage flags
	stateParse  bool
	stateBind   bool
	stateDesc   int
	stateExec   bool
	stateClosed bool
	stateSync   int

	// error state
	err            bool
	errorMessage   strings.Builder
	errorPosition  int
	stalePlanError bool

	scratch [64]byte
}

func NewEntry(eng engine.Engine, maxRecompileAttempts, maxBlobSize int) *Entry {
	return &Entry{
		engine:               eng,
		maxRecompileAttempts: maxRecompileAttempts,
		maxBlobSize:          maxBlobSize,
		errorPosition:        -1,
	}
}

// OfEmpty configures the entry for an empty query string.
func (e *Entry) OfEmpty(sqlText string) {
	e.sqlText = sqlText
	e.empty = true
	e.cacheHit = true
}

// OfCachedSelect configures the entry from a cached compiled SELECT.
// The reconciled parameter OIDs were computed at original compile time
// and travel with the cache entry.
func (e *Entry) OfCachedSelect(sqlText string, tas *cache.TypesAndSelect) {
	e.sqlText = sqlText
	e.cacheHit = true
	e.tas = tas
	e.factory = tas.Factory
	e.sqlType = tas.Type
	e.sqlTag = tas.Tag
	e.outParameterOIDs = tas.OutOIDs
	e.copyResultSetColumnTypes()
}

// OfCachedInsert configures the entry from a cached compiled INSERT.
func (e *Entry) OfCachedInsert(sqlText string, tai *cache.TypesAndInsert) {
	e.sqlText = sqlText
	e.cacheHit = true
	e.tai = tai
	e.insertOp = tai.InsertOp
	e.sqlType = tai.Type
	e.sqlTag = tai.Tag
	e.outParameterOIDs = tai.OutOIDs
}

// MsgParseCopyParameterTypes records the parameter type OIDs declared
// in the PARSE message.
func (e *Entry) MsgParseCopyParameterTypes(oids []uint32) {
	e.parseParameterOIDs = append(e.parseParameterOIDs[:0], oids...)
}

// ParseParameterOIDs exposes the client-declared types for cache
// reconciliation.
func (e *Entry) ParseParameterOIDs() []uint32 {
	return e.parseParameterOIDs
}

// CompileNewSQL parses and plans sqlText against the engine, fixing
// the entry's SQL payload, command tag and parameter descriptors.
func (e *Entry) CompileNewSQL(ctx *engine.ExecContext, sqlText string) error {
	e.sqlText = sqlText
	e.empty = len(sqlText) == 0
	if e.empty {
		e.cacheHit = true
		return nil
	}
	e.cacheHit = false
	bind.DefineParseTypes(e.parseParameterOIDs, ctx.BindVariableService())
	cq, err := e.engine.Compile(ctx, sqlText)
	if err != nil {
		return err
	}
	// the reconciled OIDs include everything the compiler defined
	// plus everything the client declared
	e.outParameterOIDs = bind.ReconcileParameterOIDs(e.parseParameterOIDs, ctx.BindVariableService())
	e.setupAfterCompile(ctx, cq)
	e.copyResultSetColumnTypes()
	return nil
}

func (e *Entry) setupAfterCompile(ctx *engine.ExecContext, cq *engine.CompiledQuery) {
	e.sqlType = cq.Type
	switch cq.Type {
	case engine.QueryCreateTableAsSelect:
		e.sqlTag = engine.TagOK
		e.affectedRowCount = cq.AffectedRows
		e.parseExecuted = true
	case engine.QueryExplain:
		e.sqlTag = engine.TagExplain
		e.factory = cq.Factory
		e.tas = &cache.TypesAndSelect{
			Factory: cq.Factory,
			Type:    cq.Type,
			Tag:     e.sqlTag,
			InOIDs:  cloneOIDs(e.parseParameterOIDs),
			OutOIDs: cloneOIDs(e.outParameterOIDs),
		}
	case engine.QuerySelect:
		e.sqlTag = engine.TagSelect
		e.factory = cq.Factory
		e.tas = &cache.TypesAndSelect{
			Factory: cq.Factory,
			Type:    cq.Type,
			Tag:     e.sqlTag,
			InOIDs:  cloneOIDs(e.parseParameterOIDs),
			OutOIDs: cloneOIDs(e.outParameterOIDs),
		}
	case engine.QueryPseudoSelect:
		// comes from a "copy" SQL; the missing TypesAndSelect is what
		// keeps it out of the cache
		e.sqlTag = engine.TagPseudoSelect
		e.factory = cq.Factory
	case engine.QueryInsert:
		e.insertOp = cq.InsertOp
		e.sqlTag = engine.TagInsert
		e.tai = &cache.TypesAndInsert{
			InsertOp: cq.InsertOp,
			Type:     cq.Type,
			Tag:      e.sqlTag,
			InOIDs:   cloneOIDs(e.parseParameterOIDs),
			OutOIDs:  cloneOIDs(e.outParameterOIDs),
		}
	case engine.QueryInsertAsSelect:
		e.sqlTag = engine.TagInsertAsSelect
		e.affectedRowCount = cq.AffectedRows
		e.parseExecuted = true
	case engine.QueryUpdate:
		e.sqlTag = engine.TagUpdate
		e.updateOp = cq.UpdateOp
	case engine.QuerySet:
		e.sqlTag = engine.TagSet
	case engine.QueryDeallocate:
		e.sqlTag = engine.TagDeallocate
		e.statementNameToDeallocate = cq.StatementName
	case engine.QueryBegin:
		e.sqlTag = engine.TagBegin
	case engine.QueryCommit:
		e.sqlTag = engine.TagCommit
	case engine.QueryRollback:
		e.sqlTag = engine.TagRollback
	case engine.QueryAlterUser:
		e.sqlTextHasSecret = ctx.ContainsSecret() || cq.HasSecret
		e.sqlTag = engine.TagAlterRole
		e.operation = cq.Operation
	case engine.QueryCreateUser:
		e.sqlTextHasSecret = ctx.ContainsSecret() || cq.HasSecret
		e.sqlTag = engine.TagCreateRole
		e.operation = cq.Operation
	case engine.QueryAlter:
		e.sqlTag = engine.TagOK
		e.operation = cq.Operation
	default:
		// plain DDL executes during compilation
		e.sqlTag = engine.TagOK
		e.parseExecuted = true
	}
}

func (e *Entry) copyResultSetColumnTypes() {
	if e.factory == nil {
		return
	}
	m := e.factory.Metadata()
	e.resultColumnTypes = e.resultColumnTypes[:0]
	for i := 0; i < m.ColumnCount(); i++ {
		col := m.Columns[i]
		e.resultColumnTypes = append(e.resultColumnTypes, int32(col.Type), int32(col.GeoBits))
	}
}

func cloneOIDs(oids []uint32) []uint32 {
	if len(oids) == 0 {
		return nil
	}
	out := make([]uint32, len(oids))
	copy(out, oids)
	return out
}

// --- identity, promotion, cloning ---

func (e *Entry) SqlText() string {
	return e.sqlText
}

func (e *Entry) SqlTextHasSecret() bool {
	return e.sqlTextHasSecret
}

func (e *Entry) SqlTag() string {
	return e.sqlTag
}

func (e *Entry) IsFactory() bool {
	return e.factory != nil
}

func (e *Entry) IsPreparedStatement() bool {
	return e.preparedStatement
}

func (e *Entry) IsPortal() bool {
	return e.portal
}

func (e *Entry) PreparedStatementName() string {
	return e.preparedStatementName
}

func (e *Entry) PortalName() string {
	return e.portalName
}

func (e *Entry) StatementNameToDeallocate() string {
	return e.statementNameToDeallocate
}

// SetPreparedStatement promotes the entry to a named prepared
// statement. Promotion internalises string fields; sqlText is already
// a Go string copy by the time it lands here.
func (e *Entry) SetPreparedStatement(prepared bool, name string) {
	e.preparedStatement = prepared
	e.preparedStatementName = name
}

// SetPortal promotes the entry to a named portal.
func (e *Entry) SetPortal(portal bool, name string) {
	e.portal = portal
	e.portalName = name
}

// BindPortalName records a portal bound from this prepared statement
// so CLOSE of the statement can cascade.
func (e *Entry) BindPortalName(name string) {
	e.portalNames = append(e.portalNames, name)
}

func (e *Entry) PortalNames() []string {
	return e.portalNames
}

func (e *Entry) SetParentPreparedStatement(parent *Entry) {
	e.parentPreparedStatement = parent
}

func (e *Entry) ParentPreparedStatement() *Entry {
	return e.parentPreparedStatement
}

// CopyIfExecuted clones the entry when it was already executed, so a
// still-streaming portal keeps streaming while the parent prepared
// statement is re-bound. The clone shares only read-only parse-time
// state.
func (e *Entry) CopyIfExecuted() *Entry {
	if !e.stateExec {
		return e
	}
	ne := NewEntry(e.engine, e.maxRecompileAttempts, e.maxBlobSize)
	ne.cacheHit = e.cacheHit
	ne.empty = e.empty
	ne.insertOp = e.insertOp
	ne.parentPreparedStatement = e.parentPreparedStatement
	ne.preparedStatement = e.preparedStatement
	ne.preparedStatementName = e.preparedStatementName
	ne.sqlTag = e.sqlTag
	ne.sqlText = e.sqlText
	ne.sqlType = e.sqlType
	ne.sqlTextHasSecret = e.sqlTextHasSecret
	ne.tai = e.tai
	ne.tas = e.tas
	ne.factory = e.factory
	ne.parseParameterOIDs = e.parseParameterOIDs
	ne.outParameterOIDs = e.outParameterOIDs
	ne.resultColumnTypes = e.resultColumnTypes
	return ne
}

// CacheIfPossible hands the compiled artifact of an abandoned
// anonymous entry back to the per-connection caches. Prepared
// statements and portals keep their artifacts.
func (e *Entry) CacheIfPossible(selCache *cache.SelectCache, insCache *cache.InsertCache) {
	if e.IsPortal() || e.IsPreparedStatement() {
		return
	}
	if e.tas != nil {
		selCache.Put(e.sqlText, e.tas)
		e.tas = nil
		if e.cursor != nil {
			e.cursor.Close()
			e.cursor = nil
		}
		// the factory now belongs to the cache
		e.factory = nil
	} else if e.tai != nil {
		insCache.Put(e.sqlText, e.tai)
		e.insertOp = nil
	}
}

// Close releases the cursor, the compiled artifacts and the parameter
// arena. Artifacts handed back to a cache have been detached already.
func (e *Entry) Close() {
	if e.cursor != nil {
		e.cursor.Close()
		e.cursor = nil
	}
	if e.factory != nil {
		e.factory.Close()
		e.factory = nil
	}
	if e.insertOp != nil {
		e.insertOp.Close()
		e.insertOp = nil
	}
	if e.updateOp != nil {
		e.updateOp.Close()
		e.updateOp = nil
	}
	if e.operation != nil {
		e.operation.Close()
		e.operation = nil
	}
	e.arena.Release()
}

// --- stage flags ---

func (e *Entry) SetStateParse(v bool)  { e.stateParse = v }
func (e *Entry) SetStateBind(v bool)   { e.stateBind = v }
func (e *Entry) SetStateDesc(v int)    { e.stateDesc = v }
func (e *Entry) SetStateExec(v bool)   { e.stateExec = v }
func (e *Entry) SetStateClosed(v bool) { e.stateClosed = v }
func (e *Entry) IsStateExec() bool     { return e.stateExec }

// SetReturnRowCountLimit records the batch size the client requested
// in the EXECUTE message. Zero means fetch everything.
func (e *Entry) SetReturnRowCountLimit(limit int32) {
	e.returnRowCountLimit = int64(limit)
}

// CopyStateFrom moves the per-message stage flags onto a clone.
func (e *Entry) CopyStateFrom(that *Entry) {
	e.stateParse = that.stateParse
	e.stateBind = that.stateBind
	e.stateDesc = that.stateDesc
	e.stateExec = that.stateExec
	e.stateClosed = that.stateClosed
}

func (e *Entry) clearState() {
	e.err = false
	e.errorMessage.Reset()
	e.errorPosition = -1
	e.stalePlanError = false
	e.stateSync = syncStart
	e.stateParse = false
	e.stateBind = false
	e.stateDesc = xproto.DescNone
	e.stateExec = false
	e.stateClosed = false
}

// --- error sink ---

func (e *Entry) IsError() bool {
	return e.err
}

// CaptureError records any failure into the entry's error buffer so
// the next sync emits an ErrorResponse. SQL errors carry a text
// position.
func (e *Entry) CaptureError(err error) {
	if err == nil {
		return
	}
	var sqlErr *engine.SQLError
	if errors.As(err, &sqlErr) {
		e.errorPosition = sqlErr.Position
	}
	e.err = true
	if e.errorMessage.Len() == 0 {
		e.errorMessage.WriteString(err.Error())
	}
	if !e.sqlTextHasSecret {
		tesslog.Zero.Debug().
			Uint("entry", tesslog.GetPointer(e)).
			Str("query", e.sqlText).
			Err(err).
			Msg("pipeline entry error")
	}
}
