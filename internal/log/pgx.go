package log

import (
	"context"

	"git.sr.ht/~mariusor/lw"
	"github.com/jackc/pgx/v5/tracelog"
)

type pgxLogger struct {
	l lw.Logger
}

// NewPgxLogger adapts the node logger to the pgx query tracer.
func NewPgxLogger(l lw.Logger) pgxLogger {
	return pgxLogger{
		l: l,
	}
}

func (d pgxLogger) Log(_ context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
	var log func(string, ...interface{})
	switch level {
	case tracelog.LogLevelNone:
		fallthrough
	case tracelog.LogLevelTrace:
		log = d.l.WithContext(data).Debugf
	case tracelog.LogLevelDebug:
		log = d.l.WithContext(data).Debugf
	case tracelog.LogLevelInfo:
		log = d.l.WithContext(data).Infof
	case tracelog.LogLevelWarn:
		log = d.l.WithContext(data).Warnf
	case tracelog.LogLevelError:
		log = d.l.WithContext(data).Errorf
	default:
		log = d.l.WithContext(data).Debugf
	}
	log(msg)
}
