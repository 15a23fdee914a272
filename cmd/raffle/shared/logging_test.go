package shared

import (
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLogger(t *testing.T) {
	logger, err := SetupLogger(DebugLevel(true))
	require.NoError(t, err)
	assert.Equal(t, log.DebugLevel, logger.GetLevel())

	logger, err = SetupLogger(DebugLevel(false))
	require.NoError(t, err)
	assert.Equal(t, log.InfoLevel, logger.GetLevel())

	_, err = SetupLogger("chatty")
	assert.Error(t, err)
}
