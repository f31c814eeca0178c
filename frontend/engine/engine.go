package engine

import "context"

// QueryType classifies a compiled SQL for the execution dispatcher.
type QueryType int

const (
	QueryNone QueryType = iota
	QuerySelect
	QueryExplain
	QueryPseudoSelect
	QueryInsert
	QueryInsertAsSelect
	QueryUpdate
	QueryCreateTableAsSelect
	QueryDDL
	QueryAlter
	QueryAlterUser
	QueryCreateUser
	QuerySet
	QueryBegin
	QueryCommit
	QueryRollback
	QueryDeallocate
)

// Command tags reported in CommandComplete.
const (
	TagOK             = "OK"
	TagSelect         = "SELECT"
	TagExplain        = "EXPLAIN"
	TagPseudoSelect   = "COPY"
	TagInsert         = "INSERT"
	TagInsertAsSelect = "INSERT"
	TagUpdate         = "UPDATE"
	TagSet            = "SET"
	TagBegin          = "BEGIN"
	TagCommit         = "COMMIT"
	TagRollback       = "ROLLBACK"
	TagDeallocate     = "DEALLOCATE"
	TagCreateRole     = "CREATE ROLE"
	TagAlterRole      = "ALTER ROLE"
)

// CompiledQuery is the product of one SQL compilation. At most one of
// Factory, InsertOp, UpdateOp, Operation is set, depending on Type;
// transaction control, SET, DEALLOCATE, plain DDL and SQL executed
// during compilation carry none of them.
type CompiledQuery struct {
	Type      QueryType
	Tag       string
	Text      string
	HasSecret bool

	Factory   CursorFactory
	InsertOp  InsertOperation
	UpdateOp  UpdateOperation
	Operation Operation

	// StatementName carries the DEALLOCATE target.
	StatementName string

	// AffectedRows is pre-populated for SQL executed during
	// compilation (CTAS, INSERT AS SELECT).
	AffectedRows int64
}

// Engine is the SQL compiler and DDL executor the front-end talks to.
type Engine interface {
	// Compile parses and plans sqlText. Bind variable types declared
	// on the context's BindVariableService are honored; missing ones
	// are defined by the compiler with inferred types.
	Compile(ctx *ExecContext, sqlText string) (*CompiledQuery, error)

	// DDL executes an unclassified DDL statement directly.
	DDL(ctx *ExecContext, sqlText string) error
}

// CursorFactory produces cursors for a compiled SELECT-like SQL. The
// factory is reusable across executions until closed.
type CursorFactory interface {
	Metadata() *Metadata
	// Cursor binds the current variable values and opens a cursor.
	// Returns *TableReferenceOutOfDateError when the underlying table
	// has drifted since compilation.
	Cursor(ctx *ExecContext) (Cursor, error)
	Close()
}

// Cursor streams records. Next may return *DataUnavailableError when
// the next frame lives in cold storage, or ErrTimeout when the
// circuit breaker fired.
type Cursor interface {
	Next() (bool, error)
	Record() Record
	Close()
}

// Record is a positional accessor over the current cursor row. The
// record is only valid until the next call to Next.
type Record interface {
	IsNull(col int) bool
	GetBool(col int) bool
	GetByte(col int) int8
	GetShort(col int) int16
	GetChar(col int) rune
	GetInt(col int) int32
	GetLong(col int) int64
	GetDate(col int) int64      // millis
	GetTimestamp(col int) int64 // micros
	GetFloat(col int) float32
	GetDouble(col int) float64
	GetStr(col int) string
	GetSym(col int) string
	GetUUID(col int) (hi, lo uint64)
	GetIPv4(col int) uint32
	GetLong256(col int) [4]uint64
	GetGeo(col int) int64
	GetBin(col int) []byte
}

// InsertOperation is a compiled INSERT. CreateMethod binds the current
// variable values against a writer obtained from the source.
type InsertOperation interface {
	TableToken() TableToken
	CreateMethod(ctx *ExecContext, source WriterSource) (InsertMethod, error)
	Close()
}

type InsertMethod interface {
	Execute(ctx *ExecContext) (int64, error)
	Commit() error
	// PopWriter detaches the writer so the connection can defer the
	// commit until the transaction ends.
	PopWriter() TableWriter
	Close()
}

// UpdateOperation is a compiled UPDATE, appliable either through an
// already-open table writer or through the engine's operation path.
type UpdateOperation interface {
	TableToken() TableToken
	Operation
}

// Operation is a synchronously awaited engine-side execution handle
// (DDL, ALTER, UPDATE fallback path).
type Operation interface {
	Execute(ctx *ExecContext) (int64, error)
	Close()
}

// TableWriter is an open write handle with deferred transactionality.
type TableWriter interface {
	Token() TableToken
	Commit() error
	Rollback() error
	ApplyUpdate(ctx *ExecContext, op UpdateOperation) (int64, error)
	Close()
}

// WriterSource hands out table writers; owned by the engine, scoped to
// the connection.
type WriterSource interface {
	GetWriter(token TableToken) (TableWriter, error)
}

// EventWaiter parks a connection until a cold storage fetch event
// fires. Engines that never pause need not implement it.
type EventWaiter interface {
	WaitEvent(ctx context.Context, event uint64) error
}
