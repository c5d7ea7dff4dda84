package telemetry

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"briefing/internal/config"
	"briefing/internal/types"
)

// Recorder is a MetricsRecorder plus an optional scrape handler.
type Recorder struct {
	types.MetricsRecorder
	// Prometheus is set only for the prometheus backend.
	Prometheus *PrometheusRecorder
}

// New builds the recorder selected by cfg.MetricsBackend.
func New(cfg config.ObservabilityConfig, awsCfg aws.Config, logger *slog.Logger) (*Recorder, error) {
	switch cfg.MetricsBackend {
	case "cloudwatch":
		return &Recorder{MetricsRecorder: NewCloudWatchRecorder(cloudwatch.NewFromConfig(awsCfg), cfg.MetricNamespace, logger)}, nil
	case "prometheus":
		p, err := NewPrometheusRecorder(strings.ToLower(cfg.MetricNamespace), nil)
		if err != nil {
			return nil, err
		}
		return &Recorder{MetricsRecorder: p, Prometheus: p}, nil
	case "none", "":
		return &Recorder{MetricsRecorder: types.NoopMetrics{}}, nil
	default:
		return nil, fmt.Errorf("unknown metrics backend %q", cfg.MetricsBackend)
	}
}
