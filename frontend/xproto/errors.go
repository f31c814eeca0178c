package xproto

import "fmt"

// BadProtocolError reports a framing or type violation in a client
// message. It aborts the current pipeline entry's sync and is reported
// to the client as an ErrorResponse.
type BadProtocolError struct {
	Message string

	// VariableIndex is the bind variable the violation pertains to,
	// -1 when not applicable.
	VariableIndex int
	SizeRequired  int
	SizeActual    int
}

func (e *BadProtocolError) Error() string {
	return e.Message
}

func Kaput(msg string) *BadProtocolError {
	return &BadProtocolError{Message: msg, VariableIndex: -1}
}

func Kaputf(format string, a ...any) *BadProtocolError {
	return &BadProtocolError{Message: fmt.Sprintf(format, a...), VariableIndex: -1}
}

// KaputValueLength reports a binary bind value whose size does not
// match the fixed layout of its resolved type.
func KaputValueLength(variableIndex, sizeRequired, sizeActual int) *BadProtocolError {
	return &BadProtocolError{
		Message: fmt.Sprintf(
			"bad parameter value length [sizeRequired=%d, sizeActual=%d, variableIndex=%d]",
			sizeRequired, sizeActual, variableIndex,
		),
		VariableIndex: variableIndex,
		SizeRequired:  sizeRequired,
		SizeActual:    sizeActual,
	}
}

// KaputUtf8 reports invalid UTF-8 in a text-format bind value.
func KaputUtf8(variableIndex int) *BadProtocolError {
	return &BadProtocolError{
		Message:       fmt.Sprintf("invalid UTF8 bytes in parameter value [variableIndex=%d]", variableIndex),
		VariableIndex: variableIndex,
	}
}
