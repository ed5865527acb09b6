// logger/logger.go
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorGray   = "\033[90m"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}
var levelColors = [...]string{colorGray, colorReset, colorYellow, colorRed}

func (l LogLevel) String() string {
	if l < DEBUG || l > ERROR {
		return fmt.Sprintf("LogLevel(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel maps "debug", "info", "warn"/"warning" and "error" to a level
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "info", "":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

// Logger writes each level to a colored console logger and an uncolored
// file logger. Either side may be absent.
type Logger struct {
	console  [4]*log.Logger
	plain    [4]*log.Logger
	file     *os.File
	minLevel LogLevel
}

var (
	defaultLogger *Logger
	once          sync.Once
	mu            sync.RWMutex
)

// ensureInitialized creates a console-only logger if Init was never called
func ensureInitialized() {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		if defaultLogger == nil {
			defaultLogger = newLogger(os.Stdout, nil, DEBUG)
		}
	})
}

func newLogger(console, file io.Writer, level LogLevel) *Logger {
	flags := log.Ldate | log.Ltime | log.Lshortfile
	l := &Logger{minLevel: level}
	for lvl := DEBUG; lvl <= ERROR; lvl++ {
		tag := fmt.Sprintf("[%s]", levelNames[lvl])
		tag += strings.Repeat(" ", 8-len(tag))
		if console != nil {
			l.console[lvl] = log.New(console, levelColors[lvl]+tag+colorReset, flags)
		}
		if file != nil {
			l.plain[lvl] = log.New(file, tag, flags)
		}
	}
	return l
}

// Init configures the default logger.
// If filename is empty, logs only to console.
// If console is false, logs only to file.
func Init(filename string, console bool) error {
	var file *os.File
	var fileOut io.Writer
	if filename != "" {
		f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		file = f
		fileOut = f
	}

	var consoleOut io.Writer
	if console {
		consoleOut = os.Stdout
	}
	if consoleOut == nil && fileOut == nil {
		return fmt.Errorf("no output destination specified")
	}

	ensureInitialized()
	mu.Lock()
	defer mu.Unlock()
	if defaultLogger.file != nil {
		defaultLogger.file.Close()
	}
	level := defaultLogger.minLevel
	defaultLogger = newLogger(consoleOut, fileOut, level)
	defaultLogger.file = file
	return nil
}

// SetOutput redirects console output to w, dropping any file output.
// Tests use it to capture log lines.
func SetOutput(w io.Writer) {
	ensureInitialized()
	mu.Lock()
	defer mu.Unlock()
	level := defaultLogger.minLevel
	defaultLogger = newLogger(w, nil, level)
}

// SetLevel sets the minimum log level (DEBUG, INFO, WARN, ERROR)
// Messages below this level will not be logged
func SetLevel(level LogLevel) {
	ensureInitialized()
	mu.Lock()
	defer mu.Unlock()
	defaultLogger.minLevel = level
}

// Close closes the log file if one is open
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if defaultLogger != nil && defaultLogger.file != nil {
		defaultLogger.file.Close()
		defaultLogger.file = nil
		defaultLogger.plain = [4]*log.Logger{}
	}
}

func output(level LogLevel, msg string) {
	ensureInitialized()
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()

	if level < l.minLevel {
		return
	}
	// calldepth 3: output <- Infof <- caller
	if c := l.console[level]; c != nil {
		c.Output(3, msg)
	}
	if p := l.plain[level]; p != nil {
		p.Output(3, msg)
	}
}

// Debug logs a debug message
func Debug(v ...interface{}) { output(DEBUG, fmt.Sprint(v...)) }

// Debugf logs a formatted debug message
func Debugf(format string, v ...interface{}) { output(DEBUG, fmt.Sprintf(format, v...)) }

// Info logs an info message
func Info(v ...interface{}) { output(INFO, fmt.Sprint(v...)) }

// Infof logs a formatted info message
func Infof(format string, v ...interface{}) { output(INFO, fmt.Sprintf(format, v...)) }

// Warn logs a warning message
func Warn(v ...interface{}) { output(WARN, fmt.Sprint(v...)) }

// Warnf logs a formatted warning message
func Warnf(format string, v ...interface{}) { output(WARN, fmt.Sprintf(format, v...)) }

// Error logs an error message
func Error(v ...interface{}) { output(ERROR, fmt.Sprint(v...)) }

// Errorf logs a formatted error message
func Errorf(format string, v ...interface{}) { output(ERROR, fmt.Sprintf(format, v...)) }

// Fatal logs an error message and exits the program
func Fatal(v ...interface{}) {
	output(ERROR, fmt.Sprint(v...))
	os.Exit(1)
}

// Fatalf logs a formatted error message and exits the program
func Fatalf(format string, v ...interface{}) {
	output(ERROR, fmt.Sprintf(format, v...))
	os.Exit(1)
}
