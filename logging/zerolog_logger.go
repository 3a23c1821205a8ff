package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// ZerologLogger adapts github.com/rs/zerolog to the Logger interface.
type ZerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger builds a logger that writes zerolog's JSON lines to w
// (stderr when w is nil) at the given level, mirroring the teacher's pattern of one constructor per concrete
// adapter (logging.NewLogLogger in the teacher repo).
func NewZerologLogger(level Level, w io.Writer) *ZerologLogger {
	if w == nil {
		w = os.Stderr
	}
	zl := zerolog.New(w).With().Timestamp().Logger().Level(zerologLevel(level))
	return &ZerologLogger{log: zl}
}

func zerologLevel(l Level) zerolog.Level {
	switch l {
	case LevelInane:
		return zerolog.TraceLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelFatal:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *ZerologLogger) event(e *zerolog.Event, msg string, kv ...any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	e.Msg(msg)
}

func (l *ZerologLogger) Inane(msg string, kv ...any) { l.event(l.log.Trace(), msg, kv...) }
func (l *ZerologLogger) Info(msg string, kv ...any)  { l.event(l.log.Info(), msg, kv...) }
func (l *ZerologLogger) Warn(msg string, kv ...any)  { l.event(l.log.Warn(), msg, kv...) }
func (l *ZerologLogger) Fatal(msg string, kv ...any) {
	l.event(l.log.WithLevel(zerolog.FatalLevel), msg, kv...)
}

func (l *ZerologLogger) With(kv ...any) Logger {
	ctx := l.log.With()
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ctx = ctx.Interface(key, kv[i+1])
	}
	return &ZerologLogger{log: ctx.Logger()}
}
