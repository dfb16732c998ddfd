package logger

import (
	"github.com/sirupsen/logrus"

	"pagedb"
)

// Logrus sends environment events to a logrus.Logger, key/value pairs as
// fields.
type Logrus struct {
	logger *logrus.Logger
}

func NewLogrus(logger *logrus.Logger) pagedb.Logger {
	return &Logrus{logger: logger}
}

func (l *Logrus) Error(msg string, args ...any) {
	l.logger.WithFields(fields(args)).Error(msg)
}

func (l *Logrus) Warn(msg string, args ...any) {
	l.logger.WithFields(fields(args)).Warn(msg)
}

func (l *Logrus) Info(msg string, args ...any) {
	l.logger.WithFields(fields(args)).Info(msg)
}

// fields pairs up args. A non-string key is dropped along with its value, a
// trailing key without value is kept under "!BADKEY" like slog does.
func fields(args []any) logrus.Fields {
	f := make(logrus.Fields, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		if i+1 == len(args) {
			f["!BADKEY"] = args[i]
			break
		}
		if key, ok := args[i].(string); ok {
			f[key] = args[i+1]
		}
	}
	return f
}
