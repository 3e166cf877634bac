package app

import (
	"xemm-bot/internal/config"
	"xemm-bot/internal/strategy"
	"xemm-bot/internal/timescale"

	"go.uber.org/zap"
)

func openTimescale(cfg config.TimescaleConfig, log *zap.Logger) (*timescale.Writer, error) {
	writer, err := timescale.New(cfg, log)
	if err != nil {
		return nil, err
	}
	if writer != nil {
		log.Info("timescale telemetry enabled", zap.String("schema", cfg.Schema), zap.Int("queue_size", cfg.QueueSize))
	}
	return writer, nil
}

// telemetryFor keeps a disabled writer out of the strategy as a nil
// interface.
func telemetryFor(w *timescale.Writer) strategy.Telemetry {
	if w == nil {
		return nil
	}
	return w
}
