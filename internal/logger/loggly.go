package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// logglyEndpoint is the bulk input URL pattern for Loggly.
const logglyEndpoint = "https://logs-01.loggly.com/inputs/%s/tag/%s/"

// LogglyHook ships log entries to Loggly over HTTP. Delivery is best effort:
// a failed post is dropped, never retried, and never logged through the hooked
// logger (that would recurse).
type LogglyHook struct {
	url    string
	level  logrus.Level
	client *http.Client
}

// NewLogglyHook creates a hook for the given token, tags and minimum level.
func NewLogglyHook(token string, tags []string, level string) (*LogglyHook, error) {
	if token == "" {
		return nil, fmt.Errorf("loggly token is required")
	}

	if len(tags) == 0 {
		tags = []string{"kiruna"}
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}

	return &LogglyHook{
		url:    fmt.Sprintf(logglyEndpoint, token, strings.Join(tags, ",")),
		level:  lvl,
		client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Levels returns the levels this hook fires on
func (h *LogglyHook) Levels() []logrus.Level {
	levels := make([]logrus.Level, 0, len(logrus.AllLevels))
	for _, lvl := range logrus.AllLevels {
		if lvl <= h.level {
			levels = append(levels, lvl)
		}
	}
	return levels
}

// Fire posts a single entry to Loggly
func (h *LogglyHook) Fire(entry *logrus.Entry) error {
	event := map[string]interface{}{
		"timestamp": entry.Time.Format(time.RFC3339),
		"level":     entry.Level.String(),
		"message":   entry.Message,
	}
	for k, v := range entry.Data {
		if err, ok := v.(error); ok {
			event[k] = err.Error()
			continue
		}
		event[k] = v
	}

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	resp, err := h.client.Post(h.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// EnableLoggly attaches a Loggly hook to the global logger.
func EnableLoggly(token string, tags []string, level string) error {
	hook, err := NewLogglyHook(token, tags, level)
	if err != nil {
		return err
	}
	Logger.AddHook(hook)
	return nil
}
