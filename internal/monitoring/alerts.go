package monitoring

import (
	"context"
	"time"

	"github.com/shizukutanaka/dbaccel/internal/optimization"
	"go.uber.org/zap"
)

// AlertState is the state of a slow query alert.
type AlertState string

const (
	AlertFiring   AlertState = "firing"
	AlertResolved AlertState = "resolved"
)

// Alert reports a fingerprint whose smoothed latency crossed the slow
// query threshold. Handling it is up to the receiver.
type Alert struct {
	State       AlertState    `json:"state"`
	Fingerprint string        `json:"fingerprint"`
	Text        string        `json:"text"`
	Kind        string        `json:"kind"`
	EWMA        time.Duration `json:"ewma"`
	Threshold   time.Duration `json:"threshold"`
	Count       uint64        `json:"count"`
	Suggestions []string      `json:"suggestions,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`

	key  optimization.Fingerprint
	kind optimization.QueryKind
}

// PlanExplainer reports execution plan findings for a statement, such as
// full table scans. It is consulted once per fingerprint when its first
// slow alert fires.
type PlanExplainer interface {
	ExplainPlan(ctx context.Context, text string) ([]string, error)
}

// AlertHandler receives slow query alerts from the monitor loop. It must
// not block.
type AlertHandler interface {
	HandleAlert(Alert)
}

// AlertHandlerFunc adapts a function to AlertHandler.
type AlertHandlerFunc func(Alert)

func (f AlertHandlerFunc) HandleAlert(a Alert) { f(a) }

// LogAlertHandler writes alerts to logger.
func LogAlertHandler(logger *zap.Logger) AlertHandler {
	return AlertHandlerFunc(func(a Alert) {
		fields := []zap.Field{
			zap.String("fingerprint", a.Fingerprint),
			zap.String("kind", a.Kind),
			zap.Duration("ewma", a.EWMA),
			zap.Duration("threshold", a.Threshold),
			zap.Uint64("count", a.Count),
			zap.String("query", a.Text),
		}
		if a.State == AlertResolved {
			logger.Info("Slow query resolved", fields...)
			return
		}
		logger.Warn("Slow query detected", append(fields, zap.Strings("suggestions", a.Suggestions))...)
	})
}
