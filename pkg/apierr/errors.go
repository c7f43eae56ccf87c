// Package apierr defines the machine-readable error taxonomy the session
// router surfaces to clients, using a GenericError interface generalized
// from HTTP status codes to wire error codes.
package apierr

import "fmt"

// GenericError is implemented by every error the router is allowed to hand
// back to a client. Anything else is an unmapped infrastructure error and
// must be wrapped into Internal before it reaches a response envelope.
type GenericError interface {
	error
	Code() string
}

type codedError struct {
	code string
	msg  string
}

func (e *codedError) Error() string { return e.msg }
func (e *codedError) Code() string  { return e.code }

func newError(code, msg string) *codedError {
	return &codedError{code: code, msg: msg}
}

// Client-fault errors.
func InvalidSessionId(sessionID string) error {
	return newError("InvalidSessionId", fmt.Sprintf("%q is not a well-formed session id", sessionID))
}

func SessionNotFound(sessionID string) error {
	return newError("SessionNotFound", fmt.Sprintf("session %q not found", sessionID))
}

func SessionNotActive(sessionID string) error {
	return newError("SessionNotActive", fmt.Sprintf("session %q is not active", sessionID))
}

func AlreadyInSession() error {
	return newError("AlreadyInSession", "connection is already attached to a session")
}

func NotInSession() error {
	return newError("NotInSession", "connection is not attached to a session")
}

func InvalidPieceId(pieceID string) error {
	return newError("InvalidPieceId", fmt.Sprintf("%q is not a well-formed piece id", pieceID))
}

func PieceNotFound(pieceID string) error {
	return newError("PieceNotFound", fmt.Sprintf("piece %q not found", pieceID))
}

// PieceLockedError carries the current owner alongside the error code:
// lock-piece and move-piece must report who holds the lock.
type PieceLockedError struct {
	PieceID      string
	CurrentOwner string
}

func (e *PieceLockedError) Error() string {
	return fmt.Sprintf("piece %q is locked by %q", e.PieceID, e.CurrentOwner)
}

func (e *PieceLockedError) Code() string { return "PieceLocked" }

func PieceLocked(pieceID, currentOwner string) error {
	return &PieceLockedError{PieceID: pieceID, CurrentOwner: currentOwner}
}

func NotOwner() error {
	return newError("NotOwner", "caller does not own this lock")
}

func EmptyMessage() error {
	return newError("EmptyMessage", "chat message must not be empty")
}

func MessageTooLong(max int) error {
	return newError("MessageTooLong", fmt.Sprintf("chat message exceeds %d characters", max))
}

// Contention and infrastructure errors.

func Timeout(op string) error {
	return newError("Timeout", fmt.Sprintf("operation %q exceeded its deadline", op))
}

func StoreUnavailable(cause error) error {
	if cause == nil {
		return newError("StoreUnavailable", "backing store is unavailable")
	}
	return newError("StoreUnavailable", fmt.Sprintf("backing store is unavailable: %v", cause))
}

func Unauthorized() error {
	return newError("Unauthorized", "caller is not authorized for this operation")
}

func Internal(cause error) error {
	if cause == nil {
		return newError("Internal", "internal error")
	}
	return newError("Internal", fmt.Sprintf("internal error: %v", cause))
}

func ShuttingDown() error {
	return newError("ShuttingDown", "server is shutting down")
}

func BinaryNotSupported() error {
	return newError("BinaryNotSupported", "binary frames are not yet supported")
}

// As extracts a GenericError from err, returning (err, true) if it already
// implements the interface. Callers at the outermost boundary (the ws
// handler) use this to decide whether an error needs wrapping in Internal.
func As(err error) (GenericError, bool) {
	ge, ok := err.(GenericError)
	return ge, ok
}
