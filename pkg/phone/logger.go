package phone

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogLevel уровни логирования
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var logLevelNames = map[LogLevel]string{
	LogLevelDebug: "DEBUG",
	LogLevelInfo:  "INFO",
	LogLevelWarn:  "WARN",
	LogLevelError: "ERROR",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// Logger интерфейс логирования телефонной системы.
//
// Реализация по умолчанию пишет строки вида
// "2006-01-02T15:04:05Z LEVEL [component] сообщение" в указанный io.Writer.
// Приложение может подставить свою реализацию через Config.Logger.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// WithComponent возвращает логгер с меткой компонента
	WithComponent(component string) Logger
}

// defaultLogger реализация Logger поверх io.Writer
type defaultLogger struct {
	mu        *sync.Mutex
	out       io.Writer
	level     LogLevel
	component string
}

// NewLogger создает логгер с указанным уровнем. Если out nil, пишет в stderr.
func NewLogger(out io.Writer, level LogLevel) Logger {
	if out == nil {
		out = os.Stderr
	}
	return &defaultLogger{
		mu:    &sync.Mutex{},
		out:   out,
		level: level,
	}
}

// NopLogger возвращает логгер, отбрасывающий все сообщения.
func NopLogger() Logger {
	return &defaultLogger{mu: &sync.Mutex{}, out: io.Discard, level: LogLevelError + 1}
}

func (l *defaultLogger) WithComponent(component string) Logger {
	return &defaultLogger{
		mu:        l.mu,
		out:       l.out,
		level:     l.level,
		component: component,
	}
}

func (l *defaultLogger) Debugf(format string, args ...interface{}) {
	l.write(LogLevelDebug, format, args...)
}

func (l *defaultLogger) Infof(format string, args ...interface{}) {
	l.write(LogLevelInfo, format, args...)
}

func (l *defaultLogger) Warnf(format string, args ...interface{}) {
	l.write(LogLevelWarn, format, args...)
}

func (l *defaultLogger) Errorf(format string, args ...interface{}) {
	l.write(LogLevelError, format, args...)
}

func (l *defaultLogger) write(level LogLevel, format string, args ...interface{}) {
	if level < l.level {
		return
	}

	msg := fmt.Sprintf(format, args...)
	ts := time.Now().UTC().Format(time.RFC3339)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.component != "" {
		fmt.Fprintf(l.out, "%s %s [%s] %s\n", ts, level, l.component, msg)
	} else {
		fmt.Fprintf(l.out, "%s %s %s\n", ts, level, msg)
	}
}
