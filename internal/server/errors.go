package server

import "fmt"

// Code is the numeric error reported on the wire before a session closes.
type Code int

const (
	CodeProtocol       Code = 1 // malformed message
	CodePathNotCovered Code = 2 // no staging domain at or above the path
	CodeCollision      Code = 3 // reservation naming collision, retries exhausted
	CodeIO             Code = 4 // stat/scan failure on the caller's path
	CodeCrossDevice    Code = 5 // path and covering domain on different filesystems
	CodeInternal       Code = 6
)

var codeNames = map[Code]string{
	CodeProtocol:       "protocol error",
	CodePathNotCovered: "path not covered by any staging domain",
	CodeCollision:      "reservation collision",
	CodeIO:             "I/O error",
	CodeCrossDevice:    "cross-device path",
	CodeInternal:       "internal error",
}

// Error is a session-terminating failure with its wire code.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", codeNames[e.Code], e.Msg)
	}
	return codeNames[e.Code]
}

// Errf builds an Error with a formatted message.
func Errf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}
