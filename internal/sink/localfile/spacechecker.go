package localfile

import (
	"log/slog"

	"golang.org/x/time/rate"
)

// SpaceChecker reports whether the output filesystem still has room.
type SpaceChecker interface {
	HasEnoughSpace() bool
}

// StatfsChecker is the default SpaceChecker: it compares the free-space
// percentage of the filesystem holding Dir with MinPercentFree.
//
// A failed statfs is logged (rate limited) and treated as enough space, so an
// unsupported filesystem never wedges the sink.
type StatfsChecker struct {
	Dir            string
	MinPercentFree float64
	Logger         *slog.Logger

	errLog *rate.Limiter
}

// NewStatfsChecker returns a checker for dir.
func NewStatfsChecker(dir string, minPercentFree float64, logger *slog.Logger) *StatfsChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatfsChecker{
		Dir:            dir,
		MinPercentFree: minPercentFree,
		Logger:         logger.With("component", "space_checker"),
		errLog:         rate.NewLimiter(rate.Limit(1.0/60), 1),
	}
}

func (c *StatfsChecker) HasEnoughSpace() bool {
	pct, err := FreePercent(c.Dir)
	if err != nil {
		if c.errLog == nil || c.errLog.Allow() {
			c.Logger.Warn("statfs failed, assuming enough space", "dir", c.Dir, "err", err)
		}
		return true
	}
	return pct >= c.MinPercentFree
}
