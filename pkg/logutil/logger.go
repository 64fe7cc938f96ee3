package logutil

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
	once   sync.Once
)

// InitLogger builds the process logger from INFRASIGHT_LOG_LEVEL and
// INFRASIGHT_LOG_DEV. Only the first call has an effect.
func InitLogger() {
	once.Do(func() {
		var cfg zap.Config
		if os.Getenv("INFRASIGHT_LOG_DEV") == "1" {
			cfg = zap.NewDevelopmentConfig()
		} else {
			cfg = zap.NewProductionConfig()
			cfg.EncoderConfig.TimeKey = "time"
			cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		}

		if lvl, ok := os.LookupEnv("INFRASIGHT_LOG_LEVEL"); ok {
			var level zapcore.Level
			if err := level.UnmarshalText([]byte(lvl)); err == nil {
				cfg.Level = zap.NewAtomicLevelAt(level)
			}
		}

		l, err := cfg.Build()
		if err != nil {
			l = zap.NewExample()
			l.Warn("falling back to example logger", zap.Error(err))
		}
		SetLogger(l)
	})
}

func GetLogger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// SetLogger replaces the process logger. Tests use it to install an observer.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}
