package tesserror

import "fmt"

// SQLSTATE codes the front-end reports in ErrorResponse messages.
const (
	// PostgreSQL reports successful_completion even for generic
	// execution errors that carry only a message. We mimic that.
	SQLSTATE_SUCCESSFUL_COMPLETION = "00000"
	// Sent when a cached plan recompiled into a different result set
	// shape. Clients restart the extended query flow on this code.
	SQLSTATE_FEATURE_NOT_SUPPORTED = "0A000"
)

// RoutineRevalidateCachedQuery is the routine name PostgreSQL reports
// alongside 0A000 for stale cached plans. Strict drivers match on it.
const RoutineRevalidateCachedQuery = "RevalidateCachedQuery"

const (
	TESS_UNEXPECTED        = "TESSU"
	TESS_BAD_PROTOCOL      = "TESSP"
	TESS_COMPLIE_ERROR     = "TESSC"
	TESS_NO_SUCH_STATEMENT = "TESSS"
	TESS_NO_SUCH_PORTAL    = "TESSO"
	TESS_CONNECTION_ERROR  = "TESSN"
)

var existingErrorCodeMap = map[string]string{
	TESS_BAD_PROTOCOL:      "bad protocol sequence",
	TESS_COMPLIE_ERROR:     "SQL compilation failed",
	TESS_NO_SUCH_STATEMENT: "prepared statement does not exist",
	TESS_NO_SUCH_PORTAL:    "portal does not exist",
	TESS_CONNECTION_ERROR:  "connection error",
}

func GetMessageByCode(errorCode string) string {
	rep, ok := existingErrorCodeMap[errorCode]
	if ok {
		return rep
	}
	return "Unexpected error"
}

var _ error = &TessError{}

type TessError struct {
	Err error

	ErrorCode string
}

func New(errorCode string, errorMsg string) *TessError {
	return &TessError{
		Err:       fmt.Errorf("%s", errorMsg),
		ErrorCode: errorCode,
	}
}

func Newf(errorCode string, format string, a ...any) *TessError {
	return &TessError{
		Err:       fmt.Errorf(format, a...),
		ErrorCode: errorCode,
	}
}

func (er *TessError) Error() string {
	return fmt.Sprintf("Code: %s. Name: %s. Description: %s.",
		er.ErrorCode, GetMessageByCode(er.ErrorCode), er.Err)
}
