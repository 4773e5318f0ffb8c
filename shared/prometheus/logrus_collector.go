package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// LogrusCollector is a logrus hook that counts emitted log entries by level
// and prefix.
type LogrusCollector struct {
	counterVec *prometheus.CounterVec
}

var supportedLevels = []logrus.Level{logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel}

const (
	prefixKey     = "prefix"
	defaultPrefix = "global"
)

// NewLogrusCollector registers the log_entries_total metric and returns a hook
// ready to be attached to a logrus logger. It must only be called once per
// process, a second call panics on duplicate metric registration.
func NewLogrusCollector() *LogrusCollector {
	counterVec := promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "log_entries_total",
		Help: "Total number of log messages.",
	}, []string{"level", prefixKey})
	return &LogrusCollector{
		counterVec: counterVec,
	}
}

// Fire is called on every log call.
func (hook *LogrusCollector) Fire(entry *logrus.Entry) error {
	prefix := defaultPrefix
	if prefixValue, ok := entry.Data[prefixKey]; ok {
		prefix = prefixValue.(string)
	}
	hook.counterVec.WithLabelValues(entry.Level.String(), prefix).Inc()
	return nil
}

// Levels returns the levels this hook fires on.
func (hook *LogrusCollector) Levels() []logrus.Level {
	return supportedLevels
}
