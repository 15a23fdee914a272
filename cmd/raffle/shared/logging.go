package shared

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// SetupLogger returns a stderr logger at the named level.
func SetupLogger(level string) (*log.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return log.NewWithOptions(os.Stderr, log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
	}), nil
}

// DebugLevel maps a --debug flag onto a level name.
func DebugLevel(debug bool) string {
	if debug {
		return "debug"
	}
	return "info"
}
