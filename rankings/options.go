package rankings

import "go.uber.org/zap"

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Options configures the engine. Zero values are safe; defaults are applied
// in New():
//   - nil Logger  => zap.NewNop()
//   - nil Metrics => NoopMetrics
//   - nil Clock   => time.Now()
type Options struct {
	Logger  *zap.Logger
	Metrics Metrics
	Clock   Clock

	// CrashAt makes the engine panic with a Crash value when the named point
	// is reached. Testing only; NoCrash disables it.
	CrashAt CrashPoint
}
