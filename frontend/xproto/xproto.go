package xproto

// Frontend message types (client -> server).
const (
	MsgParse     = byte('P')
	MsgBind      = byte('B')
	MsgDescribe  = byte('D')
	MsgExecute   = byte('E')
	MsgSync      = byte('S')
	MsgClose     = byte('C')
	MsgQuery     = byte('Q')
	MsgTerminate = byte('X')
)

// Backend message types (server -> client).
const (
	MsgParseComplete        = byte('1')
	MsgBindComplete         = byte('2')
	MsgCloseComplete        = byte('3')
	MsgCommandComplete      = byte('C')
	MsgDataRow              = byte('D')
	MsgErrorResponse        = byte('E')
	MsgEmptyQueryResponse   = byte('I')
	MsgNoData               = byte('n')
	MsgParameterDescription = byte('t')
	MsgPortalSuspended      = byte('s')
	MsgRowDescription       = byte('T')
	MsgReadyForQuery        = byte('Z')
	MsgAuthentication       = byte('R')
	MsgParameterStatus      = byte('S')
)

const (
	FormatCodeText   = int16(0)
	FormatCodeBinary = int16(1)
)

// Describe and Close object kinds.
const (
	DescribeStatement = byte('S')
	DescribePortal    = byte('P')
	CloseStatement    = byte('S')
	ClosePortal       = byte('P')
)

// stateDesc values on a pipeline entry. Portal and named-statement
// describe differ only in whether ParameterDescription precedes
// RowDescription.
const (
	DescNone           = 0
	DescPortal         = 1
	DescUnnamedPortal  = 2
	DescNamedStatement = 3
)
