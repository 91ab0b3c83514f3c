package alerts

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/satvikakolisetty/pep-energy-project/internal/config"
	"github.com/satvikakolisetty/pep-energy-project/internal/model"
)

// Dispatcher publishes one alert event per anomalous record. Delivery is
// at-least-once; durability past acceptance is the channel's concern.
type Dispatcher interface {
	Notify(ctx context.Context, ev model.AlertEvent) error
	Close() error
}

type KafkaDispatcher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewKafkaDispatcher(cfg config.KafkaTopicConfig, logger *slog.Logger) *KafkaDispatcher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return &KafkaDispatcher{writer: w, logger: logger}
}

func (d *KafkaDispatcher) Notify(ctx context.Context, ev model.AlertEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return d.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.SiteID),
		Value: payload,
	})
}

func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}

// LogDispatcher is the fallback when no notification channel is configured:
// anomalies are still surfaced in the structured log.
type LogDispatcher struct {
	logger *slog.Logger
}

func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Notify(_ context.Context, ev model.AlertEvent) error {
	if d.logger != nil {
		d.logger.Warn("anomaly alert",
			"site_id", ev.SiteID,
			"timestamp", ev.Timestamp,
			"net_energy_kwh", ev.NetEnergyKWH,
			"reason", ev.Reason,
		)
	}
	return nil
}

func (d *LogDispatcher) Close() error { return nil }
