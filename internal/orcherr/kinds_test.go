package orcherr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessageFormatting(t *testing.T) {
	withMsg := New(KindTimedOut, "deadline exceeded")
	assert.Equal(t, "TimedOut: deadline exceeded", withMsg.Error())

	bare := New(KindWorkerLost, "")
	assert.Equal(t, "WorkerLost", bare.Error())
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	wrapped := Wrap(KindWorkerError, cause, "worker rejected assignment")

	assert.Same(t, cause, errors.Unwrap(wrapped))
	assert.True(t, errors.Is(wrapped, cause))
}

func TestKindOf(t *testing.T) {
	err := New(KindCapabilityUnsatisfiable, "no node matches requirements")

	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindCapabilityUnsatisfiable, kind)

	wrappedFurther := errors.Join(errors.New("context"), err)
	kind, ok = KindOf(wrappedFurther)
	assert.True(t, ok)
	assert.Equal(t, KindCapabilityUnsatisfiable, kind)

	_, ok = KindOf(errors.New("plain error"))
	assert.False(t, ok)
}
