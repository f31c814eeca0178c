package bind

import (
	"github.com/tessera-db/tessera/frontend/engine"
	"github.com/tessera-db/tessera/frontend/pgoid"
)

// ReconcileParameterOIDs merges the client-declared PARSE parameter
// OIDs with the types the compiler inferred, producing the OIDs
// reported in ParameterDescription.
//
// Client-declared OIDs win. The compiler might infer a slightly
// different type than the client declared; if DESCRIBE then reports
// types that differ from the PARSE message, strict clients (PG JDBC)
// error out.
func ReconcileParameterOIDs(parseOIDs []uint32, binds *engine.BindVariableService) []uint32 {
	n := binds.Count()
	if len(parseOIDs) > n {
		n = len(parseOIDs)
	}
	if n == 0 {
		return nil
	}
	out := make([]uint32, n)
	for i := 0; i < n; i++ {
		oid := pgoid.Unspecified
		if i < len(parseOIDs) {
			oid = parseOIDs[i]
		}
		if oid == pgoid.Unspecified || oid == pgoid.Void {
			oid = pgoid.OIDForColumnType(binds.TypeOf(i))
		}
		out[i] = oid
	}
	return out
}

// DefineParseTypes declares the client-supplied PARSE types on the
// bind variable service ahead of compilation. Unspecified types are
// left undefined so the compiler can infer the best possible type.
func DefineParseTypes(parseOIDs []uint32, binds *engine.BindVariableService) {
	binds.Clear()
	for i, oid := range parseOIDs {
		if oid == pgoid.Unspecified {
			continue
		}
		binds.Define(i, pgoid.ColumnTypeForOID(oid))
	}
}
