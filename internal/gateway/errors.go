package gateway

import "fmt"

// statusError is a pipeline failure carrying the HTTP status to answer with.
// The message is written verbatim as the plain-text body for 4xx responses.
type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%d: %s", e.code, e.msg)
}

func httpError(code int, format string, args ...interface{}) *statusError {
	return &statusError{code: code, msg: fmt.Sprintf(format, args...)}
}
