package alerting

import (
	"go.uber.org/zap"

	"github.com/ajitpratap0/tidewater/pkg/config"
)

// New returns the log sink, plus a Kafka sink when brokers are configured.
func New(cfg config.AlertsConfig, logger *zap.Logger) (Sink, error) {
	sinks := Multi{NewLogSink(logger)}
	if len(cfg.Kafka.Brokers) > 0 {
		k, err := DialKafka(cfg.Kafka)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, k)
	}
	return sinks, nil
}
