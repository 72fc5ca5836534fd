package resilient

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var callerMarshalOnce sync.Once

// NewLogger builds the zerolog.Logger the client logs through. Output goes to
// w, or stdout when w is nil; pretty switches to a human readable console
// format. Unknown levels fall back to info.
func NewLogger(level string, pretty bool, w io.Writer) zerolog.Logger {
	callerMarshalOnce.Do(func() {
		zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
			return filepath.Base(file) + ":" + strconv.Itoa(line)
		}
	})

	if w == nil {
		w = os.Stdout
	}

	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	zLevel, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		zLevel = zerolog.InfoLevel
	}

	return zerolog.New(w).Level(zLevel).With().Timestamp().Caller().Logger()
}
