package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Abort(errors.New("database is locked"))))
	assert.True(t, IsTransient(fmt.Errorf("failed to commit: %w", Abort(errors.New("busy")))))
	assert.True(t, IsTransient(New(Unavailable, "offline")))
	assert.False(t, IsTransient(New(FailedPrecondition, "no")))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.Nil(t, Abort(nil))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, OK, CodeOf(nil))
	assert.Equal(t, Unknown, CodeOf(errors.New("x")))
	assert.Equal(t, NotFound, CodeOf(fmt.Errorf("lookup: %w", New(NotFound, "missing"))))
	assert.Equal(t, Aborted, CodeOf(Abort(errors.New("x"))))
	assert.Equal(t, FailedPrecondition, CodeOf(ErrNotPrimary))
}

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("run: %w", ErrNotPrimary)
	assert.ErrorIs(t, err, ErrNotPrimary)
	assert.NotErrorIs(t, err, ErrExclusiveAccess)
	assert.ErrorIs(t, err, &Error{Code: FailedPrecondition})

	cause := errors.New("disk")
	wrapped := Wrap(cause, Internal, "write failed")
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, "internal: write failed: disk", wrapped.Error())
}

func TestParseCode(t *testing.T) {
	for c := range codeNames {
		assert.Equal(t, c, ParseCode(c.String()))
	}
	assert.Equal(t, Unknown, ParseCode("nope"))
}

func TestAssertRecover(t *testing.T) {
	run := func() (err error) {
		defer Recover(&err)
		Assert(1+1 == 3, "arithmetic broke: %d", 2)
		return nil
	}
	err := run()
	require.Error(t, err)
	assert.Equal(t, Internal, CodeOf(err))
	var a *AssertionError
	require.ErrorAs(t, err, &a)
	assert.NotEmpty(t, a.StackTrace())
	assert.Contains(t, err.Error(), "arithmetic broke: 2")

	assert.Panics(t, func() {
		var err error
		defer Recover(&err)
		panic("not an assertion")
	})
}
