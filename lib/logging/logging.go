package logging

import (
	logging "github.com/textileio/go-log/v2"
	"go.uber.org/zap/zapcore"
)

// SetLogLevels sets levels for the given systems. The "*" system applies to every
// registered logger.
func SetLogLevels(systems map[string]logging.LogLevel) error {
	for sys, level := range systems {
		l := zapcore.Level(level).CapitalString()
		if sys == "*" {
			for _, s := range logging.GetSubsystems() {
				if err := logging.SetLogLevel(s, l); err != nil {
					return err
				}
			}
			continue
		}
		if err := logging.SetLogLevel(sys, l); err != nil {
			return err
		}
	}
	return nil
}
