package errors_test

import (
	"testing"

	"github.com/pantheon-systems/gitleaks-bulk/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorv(t *testing.T) {
	err := errors.Errorv("unable to open file", "/tmp/nope.yaml")

	assert.EqualError(t, err, "unable to open file (/tmp/nope.yaml)")
}

func TestErrorvMultipleValues(t *testing.T) {
	err := errors.Errorv("unable to rename", "/tmp/a", "/tmp/b")

	assert.EqualError(t, err, "unable to rename (/tmp/a; /tmp/b)")
}

func TestWrapvKeepsCause(t *testing.T) {
	cause := errors.New("underlying")
	err := errors.Wrapv(cause, "outer", "value")

	assert.Equal(t, cause, errors.Cause(err))
	assert.EqualError(t, err, "outer (value): underlying")
}

func TestWasCausedBy(t *testing.T) {
	sentinel := errors.New("sentinel")
	err := errors.WithMessage(errors.Wrap(sentinel, "wrapped"), "more context")

	assert.True(t, errors.WasCausedBy(err, sentinel))
	assert.False(t, errors.WasCausedBy(err, errors.New("other")))
}
