package bridge

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrUnavailable is returned by capability calls when no host session is held
var ErrUnavailable = errors.New("bridge unavailable")

// Extraction failure reasons
const (
	ReasonNoDocument        = "no_document"
	ReasonWrongDocumentKind = "wrong_document_kind"
	ReasonExtractionFailed  = "extraction_failed"
)

// ExtractionError is a data-level failure reported by the host. The session
// stays usable; callers report it as a typed result, not a transport error.
type ExtractionError struct {
	Reason  string
	Message string
	Err     error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed (%s): %s", e.Reason, e.Message)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// ConnectError describes one failed connection attempt
type ConnectError struct {
	Attempt   int
	Stage     string
	Retryable bool
	Err       error
}

func (e *ConnectError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("connect attempt %d failed at %s (%s): %v", e.Attempt, e.Stage, kind, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// isRetryable reports whether err means the host could not be reached.
// During a connect cycle such errors are worth another attempt; on a held
// session they mean the session is broken. Anything else (bad target,
// protocol or argument errors) is fatal for the attempt and an application
// error on a held session.
func isRetryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}

// toExtractionError maps an application-level host error to an ExtractionError
func toExtractionError(err error) *ExtractionError {
	st, _ := status.FromError(err)
	reason := ReasonExtractionFailed
	switch st.Code() {
	case codes.NotFound:
		reason = ReasonNoDocument
	case codes.FailedPrecondition:
		reason = ReasonWrongDocumentKind
	}
	return &ExtractionError{Reason: reason, Message: st.Message(), Err: err}
}
