package mmdb

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/andreyvit/mmdb/query"
)

var (
	ErrConfig               = errors.New("invalid configuration")
	ErrStorageIO            = errors.New("storage I/O error")
	ErrCorrupted            = errors.New("database file is corrupted")
	ErrOutOfSpace           = errors.New("out of space")
	ErrTypeMismatch         = errors.New("type mismatch")
	ErrNotFound             = errors.New("not found")
	ErrUnsupportedPredicate = errors.New("unsupported predicate")
	ErrPredicateSyntax      = errors.New("predicate syntax error")
	ErrUnknownField         = errors.New("unknown field")
	ErrInvalidCursorState   = errors.New("invalid cursor state")
	ErrCommitFailed         = errors.New("commit failed")
	ErrCheckpointFailed     = errors.New("committed changes could not be written back to the database file")
	ErrReadOnly             = errors.New("database is read-only")
	ErrClosed               = errors.New("database is closed")
)

// Error describes a failed operation. Kind is one of the Err* sentinels above;
// errors.Is matches both the kind and the wrapped cause.
type Error struct {
	Kind  error
	Op    string
	Type  string
	Field string
	OID   OID
	Msg   string
	Err   error
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Error() string {
	var buf strings.Builder
	buf.WriteString("mmdb: ")
	if e.Op != "" {
		buf.WriteString(e.Op)
	}
	if e.Type != "" {
		buf.WriteByte(' ')
		buf.WriteString(e.Type)
		if e.Field != "" {
			buf.WriteByte('.')
			buf.WriteString(e.Field)
		}
	} else if e.Field != "" {
		buf.WriteByte(' ')
		buf.WriteString(e.Field)
	}
	if e.OID != 0 {
		buf.WriteString(" #")
		buf.WriteString(strconv.FormatUint(uint64(e.OID), 10))
	}
	buf.WriteString(": ")
	if e.Kind != nil {
		buf.WriteString(e.Kind.Error())
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

func opErr(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func opErrf(kind error, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func oidErr(kind error, op string, oid OID, err error) *Error {
	return &Error{Kind: kind, Op: op, OID: oid, Err: err}
}

func typeErrf(kind error, op string, t *Type, field string, format string, args ...any) *Error {
	e := &Error{Kind: kind, Op: op, Field: field, Msg: fmt.Sprintf(format, args...)}
	if t != nil {
		e.Type = t.name
	}
	return e
}

func syntaxErr(op string, t *Type, err *query.SyntaxError) *Error {
	e := &Error{Kind: ErrPredicateSyntax, Op: op, Err: err}
	if t != nil {
		e.Type = t.name
	}
	return e
}

// DataError reports undecodable bytes read from the file.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}
