package commons

import (
	"fmt"

	"github.com/getsentry/raven-go"
	log "github.com/sirupsen/logrus"
)

func ConfigureLogging(level string, format string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return Wrap(ValidationError, err, "invalid log level")
	}
	log.SetLevel(lvl)

	switch format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return Errorf(ValidationError, "invalid log format %q", format)
	}
	return nil
}

// SentryHook forwards error level log entries to Sentry. The entry's
// fields are sent as tags.
type SentryHook struct {
	levels []log.Level
}

func NewSentryHook(dsn string, environment string) (*SentryHook, error) {
	if err := raven.SetDSN(dsn); err != nil {
		return nil, Wrap(ValidationError, err, "invalid sentry dsn")
	}
	raven.SetEnvironment(environment)
	return &SentryHook{levels: []log.Level{log.PanicLevel, log.FatalLevel, log.ErrorLevel}}, nil
}

func (h *SentryHook) Levels() []log.Level {
	return h.levels
}

func (h *SentryHook) Fire(entry *log.Entry) error {
	tags := make(map[string]string, len(entry.Data))
	var cause error
	for k, v := range entry.Data {
		if k == log.ErrorKey {
			if err, ok := v.(error); ok {
				cause = err
				continue
			}
		}
		tags[k] = fmt.Sprint(v)
	}

	if cause != nil {
		tags["message"] = entry.Message
		raven.CaptureError(cause, tags)
		return nil
	}
	raven.CaptureMessage(entry.Message, tags)
	return nil
}
