package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLogger_DefaultsWhenUninitialized(t *testing.T) {
	mu.Lock()
	logger = nil
	mu.Unlock()

	require.NotNil(t, GetLogger())
}

func TestInitLogger_Levels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "warning", "error", "bogus"} {
		InitLogger(level)
		assert.NotNil(t, GetLogger(), level)
	}
}

func TestMergeFields(t *testing.T) {
	attrs := mergeFields(Fields{"a": 1}, Fields{"b": "two"})
	assert.Len(t, attrs, 4)
}
