// Package alert implements the Router's operational alert hooks:
// session-churn spikes and sustained rate-limit rejection, fired
// independently of the obsmetrics Prometheus counters (which only
// count, never notify). Grounded on the teacher's
// internal/shared/monitoring.Alerter/MultiAlerter/ConsoleAlerter
// pattern (internal/shared/monitoring/alerting.go), adapted to CLASP's
// own severity scale and a zerolog-backed sink in place of fmt.Printf.
package alert

import "github.com/rs/zerolog"

// Level is the severity of an alert, mirroring the teacher's AuditLevel
// but trimmed to the handful the Router actually raises.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Sink receives alerts. Implementations: LogSink here, a Slack or
// PagerDuty webhook elsewhere — the Router only depends on this
// interface.
type Sink interface {
	Alert(level Level, message string, fields map[string]any)
}

// MultiSink fans one alert out to several Sinks concurrently, so a slow
// or unreachable notification backend never stalls the caller (teacher:
// MultiAlerter).
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink returns a Sink that fans out to every given sink.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Alert(level Level, message string, fields map[string]any) {
	for _, s := range m.sinks {
		s := s
		go s.Alert(level, message, fields)
	}
}

// LogSink writes alerts through a zerolog.Logger at a severity matched
// to Level, under an "alert" flag so they're easy to grep or route out
// of the general log stream (teacher: ConsoleAlerter, adapted from
// fmt.Printf to the module's structured logger).
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink returns a Sink backed by logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Alert(level Level, message string, fields map[string]any) {
	var event *zerolog.Event
	switch level {
	case LevelCritical:
		event = s.logger.Error()
	case LevelWarning:
		event = s.logger.Warn()
	default:
		event = s.logger.Info()
	}
	event = event.Bool("alert", true).Str("alert_level", string(level))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(message)
}

// NopSink discards every alert. It is the Router's default so that
// alerting stays opt-in.
type NopSink struct{}

func (NopSink) Alert(Level, string, map[string]any) {}
