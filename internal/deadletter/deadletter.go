package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/satvikakolisetty/pep-energy-project/internal/config"
	"github.com/satvikakolisetty/pep-energy-project/internal/model"
	"github.com/satvikakolisetty/pep-energy-project/internal/storage"
)

// Sink captures dead-lettered batches. The envelope goes to the durable
// store for operator listing and, when configured, to the dead-letter topic
// for external tooling. The locator is preserved verbatim so the batch can
// be replayed unchanged.
type Sink struct {
	writer *kafka.Writer
	store  storage.Store
	logger *slog.Logger
}

func NewSink(cfg config.DeadLetterConfig, store storage.Store, logger *slog.Logger) *Sink {
	s := &Sink{store: store, logger: logger}
	if cfg.Kafka.Enabled {
		s.writer = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Kafka.Brokers...),
			Topic:        cfg.Kafka.Topic,
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		}
	}
	return s
}

func (s *Sink) Capture(ctx context.Context, env model.DeadLetterEnvelope) error {
	var saveErr, publishErr error
	if s.store != nil {
		saveErr = s.store.SaveDeadLetter(ctx, env)
	}
	if s.writer != nil {
		payload, err := json.Marshal(env)
		if err != nil {
			publishErr = err
		} else {
			publishErr = s.writer.WriteMessages(ctx, kafka.Message{
				Key:   []byte(env.OriginalBatchLocator),
				Value: payload,
			})
		}
	}
	if s.logger != nil {
		s.logger.Error("batch dead-lettered",
			"batch_locator", env.OriginalBatchLocator,
			"attempt_count", env.AttemptCount,
			"last_error", env.LastError,
		)
	}
	return errors.Join(saveErr, publishErr)
}

func (s *Sink) Close() error {
	if s.writer != nil {
		return s.writer.Close()
	}
	return nil
}
