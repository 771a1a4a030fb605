package sandbox

import (
	"context"
	"time"

	"codejudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// Observer receives compile and run measurements.
type Observer interface {
	ObserveCompile(ctx context.Context, languageID string, ok bool, elapsed time.Duration)
	ObserveRun(ctx context.Context, languageID string, outcome RunOutcome)
}

// NoopObserver discards measurements.
type NoopObserver struct{}

func (NoopObserver) ObserveCompile(context.Context, string, bool, time.Duration) {}
func (NoopObserver) ObserveRun(context.Context, string, RunOutcome)              {}

// LogObserver writes measurements as debug log lines.
type LogObserver struct{}

func (LogObserver) ObserveCompile(ctx context.Context, languageID string, ok bool, elapsed time.Duration) {
	logger.Debug(ctx, "sandbox compile finished",
		zap.String("language", languageID),
		zap.Bool("ok", ok),
		zap.Duration("elapsed", elapsed),
	)
}

func (LogObserver) ObserveRun(ctx context.Context, languageID string, outcome RunOutcome) {
	logger.Debug(ctx, "sandbox run finished",
		zap.String("language", languageID),
		zap.Int("exit_code", outcome.ExitCode),
		zap.Bool("timed_out", outcome.TimedOut),
		zap.Bool("runtime_error", outcome.RuntimeError),
		zap.Duration("elapsed", outcome.ExecutionTime),
	)
}
