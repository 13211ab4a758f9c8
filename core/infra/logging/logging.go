// Package logging provides component-prefixed key/value logging for the
// orchestration core. Output is plain text by default; set
// ARCFLOW_LOG_FORMAT=json for one JSON object per line.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

const envLogFormat = "ARCFLOW_LOG_FORMAT"

var (
	logFormatOnce sync.Once
	logAsJSON     bool
)

func jsonEnabled() bool {
	logFormatOnce.Do(func() {
		logAsJSON = strings.EqualFold(strings.TrimSpace(os.Getenv(envLogFormat)), "json")
	})
	return logAsJSON
}

// Info logs a message with key/value fields.
func Info(component, msg string, kv ...any) {
	emit("INFO", component, msg, kv...)
}

// Warn logs a warning with key/value fields.
func Warn(component, msg string, kv ...any) {
	emit("WARN", component, msg, kv...)
}

// Error logs an error message with key/value fields.
func Error(component, msg string, kv ...any) {
	emit("ERROR", component, msg, kv...)
}

func emit(level, component, msg string, kv ...any) {
	if jsonEnabled() {
		payload := map[string]any{
			"level":     level,
			"component": component,
			"msg":       msg,
		}
		for k, v := range fieldPairs(kv...) {
			payload[k] = v
		}
		if data, err := json.Marshal(payload); err == nil {
			log.Print(string(data))
			return
		}
	}
	if level == "INFO" {
		log.Printf("[%s] %s%s", strings.ToUpper(component), msg, formatFields(kv...))
		return
	}
	log.Printf("[%s] %s %s%s", strings.ToUpper(component), level, msg, formatFields(kv...))
}

func fieldPairs(kv ...any) map[string]any {
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	out := make(map[string]any, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		out[toString(kv[i])] = kv[i+1]
	}
	return out
}

func formatFields(kv ...any) string {
	if len(kv) == 0 {
		return ""
	}
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	var b strings.Builder
	b.WriteString(" ")
	for i := 0; i < len(kv); i += 2 {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(strings.TrimSpace(toString(kv[i])))
		b.WriteString("=")
		b.WriteString(toString(kv[i+1]))
	}
	return b.String()
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(strings.TrimSpace(fmt.Sprintf("%v", t)), "\n", " "), "\t", " "))
	}
}
