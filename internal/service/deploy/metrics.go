package deploy

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once
	pipeline    *pipelineMetrics
)

type pipelineMetrics struct {
	finished      *prometheus.CounterVec
	notifications *prometheus.CounterVec
	fallbacks     prometheus.Counter
	inflight      prometheus.Gauge
}

func loadMetrics() *pipelineMetrics {
	metricsOnce.Do(func() {
		m := &pipelineMetrics{
			finished: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settingsd",
				Subsystem: "deploy",
				Name:      "deployments_total",
				Help:      "Deployments that reached a terminal status",
			}, []string{"status", "source"}),
			notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "settingsd",
				Subsystem: "deploy",
				Name:      "notifications_total",
				Help:      "Fan-out notifications by target kind and outcome",
			}, []string{"kind", "outcome"}),
			fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "settingsd",
				Subsystem: "deploy",
				Name:      "fallback_expirations_total",
				Help:      "Fallback timers that fired before the pipeline settled",
			}),
			inflight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "settingsd",
				Subsystem: "deploy",
				Name:      "pipelines_inflight",
				Help:      "Deployment pipelines currently running",
			}),
		}
		m.finished = registerCollector(m.finished)
		m.notifications = registerCollector(m.notifications)
		m.fallbacks = registerCollector(m.fallbacks)
		m.inflight = registerCollector(m.inflight)
		pipeline = m
	})
	return pipeline
}

func registerCollector[T prometheus.Collector](collector T) T {
	if err := prometheus.Register(collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return collector
}

func (m *pipelineMetrics) recordFinished(status, source string) {
	m.finished.WithLabelValues(status, source).Inc()
}

func (m *pipelineMetrics) recordNotification(kind string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.notifications.WithLabelValues(kind, outcome).Inc()
}
