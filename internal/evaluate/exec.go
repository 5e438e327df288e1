package evaluate

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/signalnine/mpsearch/internal/sampler"
)

// ExecContext is the private execution state of one evaluation. It is
// created when a task starts and closed when it ends.
type ExecContext struct {
	Context     context.Context
	Logger      zerolog.Logger
	Seed        int64
	Parallelism int

	cancel context.CancelFunc
}

func newExecContext(parent context.Context, base zerolog.Logger, c sampler.Candidate, seed int64, parallelism int) *ExecContext {
	if parallelism < 1 {
		parallelism = 1
	}
	logger := base.With().
		Str("family", c.Family).
		Int("candidate", c.Index).
		Logger()
	ctx, cancel := context.WithCancel(logger.WithContext(parent))
	return &ExecContext{
		Context:     ctx,
		Logger:      logger,
		Seed:        seed + int64(c.Index),
		Parallelism: parallelism,
		cancel:      cancel,
	}
}

// Close releases the context. Calling it twice is harmless.
func (x *ExecContext) Close() {
	x.cancel()
}
