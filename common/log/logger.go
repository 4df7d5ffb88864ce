package log

import (
	"io"
	"log"
	"os"
)

type consoleLogger struct {
	logger   *log.Logger
	maxLevel Severity
}

// Handle implements Handler.
func (l *consoleLogger) Handle(msg Message) {
	gm, ok := msg.(*GeneralMessage)
	if ok && gm.Severity > l.maxLevel {
		return
	}
	l.logger.Print(msg.String())
}

// NewConsoleLogHandler creates a handler that writes messages up to maxLevel to w.
func NewConsoleLogHandler(w io.Writer, maxLevel Severity) Handler {
	return &consoleLogger{
		logger:   log.New(w, "", log.Ldate|log.Ltime),
		maxLevel: maxLevel,
	}
}

func init() {
	RegisterHandler(NewConsoleLogHandler(os.Stdout, Severity_Info))
}
