// Package logutil builds the default logger shared by every package in this
// module. Components never hard-code a logger; they accept one through a
// WithLogger functional option and fall back to Default() only when the
// caller supplies none.
package logutil

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

var (
	once sync.Once
	def  *slog.Logger
)

// Default returns the package-wide default logger: a tint handler writing
// level-colored, human-readable lines to stderr. tint is the same console
// handler the source pack reaches for whenever log output is read directly
// by a human rather than shipped as JSON to a collector.
func Default() *slog.Logger {
	once.Do(func() {
		def = New(os.Stderr, slog.LevelInfo)
	})
	return def
}

// New builds a tint-backed logger writing to w at the given minimum level.
func New(w *os.File, level slog.Level) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}
