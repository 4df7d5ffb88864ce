// Package log provides the process-wide logging facility.
package log // import "github.com/boltconn/boltconn/common/log"

import (
	"sync"

	"github.com/boltconn/boltconn/common/serial"
)

// Severity describes how severe a log message is.
type Severity int

const (
	Severity_Unknown Severity = iota
	Severity_Error
	Severity_Warning
	Severity_Info
	Severity_Debug
)

func (s Severity) String() string {
	switch s {
	case Severity_Error:
		return "Error"
	case Severity_Warning:
		return "Warning"
	case Severity_Info:
		return "Info"
	case Severity_Debug:
		return "Debug"
	default:
		return "Unknown"
	}
}

// Message is the interface for all log messages.
type Message interface {
	String() string
}

// Handler is the interface for log handler.
type Handler interface {
	Handle(msg Message)
}

// GeneralMessage is a general log message that can contain all kind of content.
type GeneralMessage struct {
	Severity Severity
	Content  interface{}
}

// String implements Message.
func (m *GeneralMessage) String() string {
	return serial.Concat("[", m.Severity, "] ", m.Content)
}

var (
	logHandler   Handler
	handlerMutex sync.RWMutex
)

// RegisterHandler register a new handler as current log handler. Previous registered handler will be discarded.
func RegisterHandler(handler Handler) {
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	logHandler = handler
}

// Record writes a message into log stream.
func Record(msg Message) {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	if logHandler != nil {
		logHandler.Handle(msg)
	}
}
