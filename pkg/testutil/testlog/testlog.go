package testlog

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/astromechza/todosync/pkg/logging"
)

// Start configures the test logging profile and returns a logger that writes through t.Log.
func Start(t *testing.T) zerolog.Logger {
	t.Helper()
	logging.ConfigureTests()
	logger := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
	logger.Debug().Str("test", t.Name()).Msg("start")
	return logger
}
