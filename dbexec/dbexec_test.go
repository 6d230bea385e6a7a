package dbexec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyMapsAccessDeniedToErrAuth(t *testing.T) {
	err := Classify(errors.New("Error 1045: Access denied for user 'repl'@'%'"))
	assert.True(t, errors.Is(err, ErrAuth))
}

func TestClassifyMapsConnectionResetToErrNetwork(t *testing.T) {
	err := Classify(errors.New("connection reset by peer"))
	assert.True(t, errors.Is(err, ErrNetwork))
}

func TestClassifyLeavesUnknownErrorsUnwrapped(t *testing.T) {
	original := errors.New("syntax error near 'FOO'")
	err := Classify(original)
	assert.Equal(t, original, err)
	assert.False(t, errors.Is(err, ErrNetwork))
	assert.False(t, errors.Is(err, ErrAuth))
}

func TestClassifyOfNilIsNil(t *testing.T) {
	assert.NoError(t, Classify(nil))
}
