package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
	"gotest.tools/v3/assert"
)

func TestNewModes(t *testing.T) {
	dev, err := New("development")
	assert.NilError(t, err)
	assert.Assert(t, dev.Core().Enabled(zapcore.DebugLevel))

	prod, err := New("release")
	assert.NilError(t, err)
	assert.Assert(t, !prod.Core().Enabled(zapcore.DebugLevel))
	Sync(prod)
	Sync(nil)
}
