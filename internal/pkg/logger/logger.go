// Package logger emits structured JSON log lines with PII masking.
// Lead emails and phone numbers pass through every component here, so
// masking is on by default and field-name driven.
package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

func levelFromEnv() Level {
	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "DEBUG":
		return DEBUG
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Logger writes one JSON object per entry.
type Logger struct {
	mu        sync.Mutex
	level     Level
	redactPII bool
}

var defaultLogger = &Logger{level: levelFromEnv(), redactPII: true}

// SetLevel sets the minimum severity the default logger emits.
func SetLevel(l Level) { defaultLogger.level = l }

// SetRedactPII toggles masking of email/phone field values.
func SetRedactPII(on bool) { defaultLogger.redactPII = on }

// Debug emits a DEBUG entry with key-value fields.
func Debug(msg string, fields ...interface{}) { defaultLogger.emit(DEBUG, msg, fields) }

// Info emits an INFO entry with key-value fields.
func Info(msg string, fields ...interface{}) { defaultLogger.emit(INFO, msg, fields) }

// Warn emits a WARN entry with key-value fields.
func Warn(msg string, fields ...interface{}) { defaultLogger.emit(WARN, msg, fields) }

// Error emits an ERROR entry with key-value fields.
func Error(msg string, fields ...interface{}) { defaultLogger.emit(ERROR, msg, fields) }

func (l *Logger) emit(level Level, msg string, fields []interface{}) {
	if level < l.level {
		return
	}

	entry := make(map[string]string, len(fields)/2+3)
	entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level.String()
	entry["msg"] = msg

	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		val := fmt.Sprintf("%v", fields[i+1])
		if l.redactPII {
			val = maskValue(key, val)
		}
		entry[key] = val
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	l.mu.Lock()
	os.Stderr.Write(append(line, '\n'))
	l.mu.Unlock()
}

// maskValue masks values whose field name marks them as contact data,
// and scrubs emails embedded in free-form values.
func maskValue(key, val string) string {
	switch k := strings.ToLower(key); {
	case strings.Contains(k, "email") || strings.Contains(k, "recipient"):
		return RedactEmail(val)
	case strings.Contains(k, "phone"):
		return RedactPhone(val)
	default:
		return emailPattern.ReplaceAllStringFunc(val, RedactEmail)
	}
}
