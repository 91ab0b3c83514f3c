package intake

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/satvikakolisetty/pep-energy-project/internal/config"
	"github.com/satvikakolisetty/pep-energy-project/internal/model"
)

// StartKafka consumes BatchIntakeEvents from the intake topic. Messages are
// committed only after the event settles (written or dead-lettered), so a
// crash mid-batch results in redelivery, matching at-least-once semantics.
func StartKafka(ctx context.Context, cfg *config.Manager, runner *Runner, logger *slog.Logger) {
	current := cfg.Get().Intake.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka intake disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka intake enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			msg, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka fetch error", "err", err)
				}
				continue
			}
			ev, err := decodeIntakeEvent(msg.Value)
			if err != nil {
				// A message that cannot even name a batch is unprocessable;
				// skip it rather than poison the partition.
				if logger != nil {
					logger.Warn("malformed intake event, skipping", "err", err)
				}
				if err := reader.CommitMessages(ctx, msg); err != nil && logger != nil {
					logger.Warn("kafka commit failed", "err", err)
				}
				continue
			}
			if err := runner.Settle(ctx, ev); err != nil {
				// Context cancelled before settling; leave uncommitted for
				// redelivery.
				return
			}
			if err := reader.CommitMessages(ctx, msg); err != nil && logger != nil {
				logger.Warn("kafka commit failed", "batch_locator", ev.BatchLocator, "err", err)
			}
		}
	}()
}

func decodeIntakeEvent(value []byte) (model.BatchIntakeEvent, error) {
	var ev model.BatchIntakeEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return model.BatchIntakeEvent{}, err
	}
	if strings.TrimSpace(ev.BatchLocator) == "" {
		return model.BatchIntakeEvent{}, errors.New("intake event has no batch_locator")
	}
	return ev, nil
}
