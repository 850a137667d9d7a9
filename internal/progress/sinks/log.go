package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/openparcels/parcel-ingest/internal/progress"
)

// LogSink emits structured logs for debugging progress streams.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch. Item events go to debug to keep
// large batches readable.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
		}
		if evt.BatchID != "" {
			fields = append(fields, zap.String("batch_id", evt.BatchID))
		}
		switch evt.Stage {
		case progress.StageItemDone, progress.StageScanStep:
			fields = append(fields,
				zap.Int("unit", evt.Unit),
				zap.String("parcel_id", evt.ParcelID),
				zap.String("outcome", evt.Outcome),
				zap.Duration("dur", evt.Dur),
			)
			if evt.Note != "" {
				fields = append(fields, zap.String("note", evt.Note))
			}
			s.logger.Debug("progress event", fields...)
			continue
		case progress.StageUnitStart, progress.StageUnitDone:
			fields = append(fields, zap.Int("unit", evt.Unit))
		}
		fields = append(fields,
			zap.Int("processed", evt.Processed),
			zap.Int("failed", evt.Failed),
			zap.Duration("dur", evt.Dur),
		)
		if evt.Outcome != "" {
			fields = append(fields, zap.String("outcome", evt.Outcome))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
