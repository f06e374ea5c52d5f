package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tokenbay/nftescrow/internal/escrow"
	"github.com/tokenbay/nftescrow/internal/idgen"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nftescrow",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nftescrow",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter turns escrow lifecycle transitions into webhook dispatches to both
// parties. All methods are fire-and-forget: errors are logged but never
// propagate back into the escrow engine.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// EscrowEvent implements the escrow engine's notifier hook.
func (e *Emitter) EscrowEvent(eventName string, esc *escrow.Escrow) {
	if e == nil || e.d == nil || esc == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(eventName).Inc()

	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      EventType(eventName),
		Timestamp: time.Now(),
		Escrow:    esc,
	}

	ctx := context.Background()
	for _, party := range []string{esc.Seller, esc.Buyer} {
		if err := e.d.DispatchToParty(ctx, party, event); err != nil {
			webhookEmitErrors.WithLabelValues(eventName).Inc()
			e.logger.Warn("webhook emit failed", "event", eventName, "party", party, "error", err)
		}
	}
}

// Compile-time assertion that Emitter implements the escrow notifier.
var _ escrow.Notifier = (*Emitter)(nil)
