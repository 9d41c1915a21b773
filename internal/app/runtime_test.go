package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTestModeOverride(t *testing.T) {
	prev := InTestMode()
	t.Cleanup(func() { SetTestMode(prev) })

	SetTestMode(true)
	assert.True(t, InTestMode())
	SetTestMode(false)
	assert.False(t, InTestMode())
	assert.NotEmpty(t, Version())
}
