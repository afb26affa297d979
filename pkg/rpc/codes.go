package rpc

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Code is a canonical RPC status code. The numeric values are identical to
// the gRPC status code set, so a Code converts to the native gRPC code 1:1.
type Code uint32

// The 17 canonical status codes.
const (
	OK                 Code = 0
	Canceled           Code = 1
	Unknown            Code = 2
	InvalidArgument    Code = 3
	DeadlineExceeded   Code = 4
	NotFound           Code = 5
	AlreadyExists      Code = 6
	PermissionDenied   Code = 7
	ResourceExhausted  Code = 8
	FailedPrecondition Code = 9
	Aborted            Code = 10
	OutOfRange         Code = 11
	Unimplemented      Code = 12
	Internal           Code = 13
	Unavailable        Code = 14
	DataLoss           Code = 15
	Unauthenticated    Code = 16
)

// codeNames maps codes to their canonical SCREAMING_SNAKE identifiers.
var codeNames = map[Code]string{
	OK:                 "OK",
	Canceled:           "CANCELLED",
	Unknown:            "UNKNOWN",
	InvalidArgument:    "INVALID_ARGUMENT",
	DeadlineExceeded:   "DEADLINE_EXCEEDED",
	NotFound:           "NOT_FOUND",
	AlreadyExists:      "ALREADY_EXISTS",
	PermissionDenied:   "PERMISSION_DENIED",
	ResourceExhausted:  "RESOURCE_EXHAUSTED",
	FailedPrecondition: "FAILED_PRECONDITION",
	Aborted:            "ABORTED",
	OutOfRange:         "OUT_OF_RANGE",
	Unimplemented:      "UNIMPLEMENTED",
	Internal:           "INTERNAL",
	Unavailable:        "UNAVAILABLE",
	DataLoss:           "DATA_LOSS",
	Unauthenticated:    "UNAUTHENTICATED",
}

// webCodeNames maps codes to the lower-snake-case identifiers used by the
// web protocol adapter.
var webCodeNames = map[Code]string{
	OK:                 "ok",
	Canceled:           "canceled",
	Unknown:            "unknown",
	InvalidArgument:    "invalid_argument",
	DeadlineExceeded:   "deadline_exceeded",
	NotFound:           "not_found",
	AlreadyExists:      "already_exists",
	PermissionDenied:   "permission_denied",
	ResourceExhausted:  "resource_exhausted",
	FailedPrecondition: "failed_precondition",
	Aborted:            "aborted",
	OutOfRange:         "out_of_range",
	Unimplemented:      "unimplemented",
	Internal:           "internal",
	Unavailable:        "unavailable",
	DataLoss:           "data_loss",
	Unauthenticated:    "unauthenticated",
}

// httpStatus maps codes to the HTTP status mirrored by the web adapter so
// intermediaries that only understand HTTP semantics behave sensibly.
var httpStatus = map[Code]int{
	OK:                 http.StatusOK,
	Canceled:           499,
	Unknown:            http.StatusInternalServerError,
	InvalidArgument:    http.StatusBadRequest,
	DeadlineExceeded:   http.StatusGatewayTimeout,
	NotFound:           http.StatusNotFound,
	AlreadyExists:      http.StatusConflict,
	PermissionDenied:   http.StatusForbidden,
	ResourceExhausted:  http.StatusTooManyRequests,
	FailedPrecondition: http.StatusBadRequest,
	Aborted:            http.StatusConflict,
	OutOfRange:         http.StatusBadRequest,
	Unimplemented:      http.StatusNotImplemented,
	Internal:           http.StatusInternalServerError,
	Unavailable:        http.StatusServiceUnavailable,
	DataLoss:           http.StatusInternalServerError,
	Unauthenticated:    http.StatusUnauthorized,
}

// nameToCode is the inverse of codeNames.
var nameToCode = func() map[string]Code {
	m := make(map[string]Code, len(codeNames))
	for code, name := range codeNames {
		m[name] = code
	}
	return m
}()

// String returns the canonical SCREAMING_SNAKE name of the code.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE(%d)", uint32(c))
}

// WebString returns the lower-snake-case name used by the web protocol.
func (c Code) WebString() string {
	if name, ok := webCodeNames[c]; ok {
		return name
	}
	return "unknown"
}

// HTTPStatus returns the HTTP status the web adapter mirrors for the code.
func (c Code) HTTPStatus() int {
	if st, ok := httpStatus[c]; ok {
		return st
	}
	return http.StatusInternalServerError
}

// Valid reports whether c is one of the 17 canonical codes.
func (c Code) Valid() bool {
	_, ok := codeNames[c]
	return ok
}

// ParseCode resolves a status code from its canonical name ("NOT_FOUND"),
// its web name ("not_found"), or its numeric value ("5").
func ParseCode(s string) (Code, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return OK, false
	}
	if code, ok := nameToCode[strings.ToUpper(s)]; ok {
		return code, true
	}
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		code := Code(n)
		if code.Valid() {
			return code, true
		}
	}
	return OK, false
}
