package logger

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var processOnce sync.Once

func Setup(dev bool) zerolog.Logger {
	var logger zerolog.Logger
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Caller().Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(level).With().Stack().Logger()
	}

	return logger
}

// InitProcessEnvironment installs the process wide logger exactly once. Later
// calls, including those from additional factories, are no-ops and report false.
func InitProcessEnvironment(dev bool) bool {
	ran := false
	processOnce.Do(func() {
		ran = true

		l := Setup(dev)
		zerolog.SetGlobalLevel(l.GetLevel())
		zerolog.DurationFieldUnit = time.Millisecond
		log.Logger = l

		log.Debug().Bool("dev", dev).Msg("process environment initialized")
	})
	return ran
}
