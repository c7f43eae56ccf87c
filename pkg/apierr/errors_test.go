package apierr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAs_RecognizesCodedErrors(t *testing.T) {
	err := SessionNotFound("s1")
	ge, ok := As(err)
	assert.True(t, ok)
	assert.Equal(t, "SessionNotFound", ge.Code())
}

func TestAs_RejectsPlainErrors(t *testing.T) {
	_, ok := As(errors.New("boom"))
	assert.False(t, ok)
}

func TestPieceLocked_CarriesOwner(t *testing.T) {
	err := PieceLocked("p1", "alice")
	var ple *PieceLockedError
	assert.ErrorAs(t, err, &ple)
	assert.Equal(t, "alice", ple.CurrentOwner)
	assert.Equal(t, "PieceLocked", ple.Code())
}

func TestEveryConstructor_HasDistinctCode(t *testing.T) {
	errs := []error{
		InvalidSessionId("x"),
		SessionNotFound("x"),
		SessionNotActive("x"),
		AlreadyInSession(),
		NotInSession(),
		InvalidPieceId("x"),
		PieceNotFound("x"),
		PieceLocked("x", "y"),
		NotOwner(),
		EmptyMessage(),
		MessageTooLong(10),
		Timeout("op"),
		StoreUnavailable(nil),
		Unauthorized(),
		Internal(nil),
		ShuttingDown(),
		BinaryNotSupported(),
	}
	seen := make(map[string]bool)
	for _, err := range errs {
		ge, ok := As(err)
		assert.True(t, ok)
		assert.False(t, seen[ge.Code()], "duplicate code %q", ge.Code())
		seen[ge.Code()] = true
	}
}
