package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xggarcia/Curt-IA/pkg/dispatch"
)

// DispatchObserver reports every provider attempt as metrics.
func (p *Provider) DispatchObserver() dispatch.Observer {
	return dispatchObserver{p: p}
}

type dispatchObserver struct {
	p *Provider
}

func (o dispatchObserver) AttemptCompleted(ctx context.Context, kind dispatch.ProviderKind, credentialID, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("provider", string(kind)),
		attribute.String("credential", credentialID),
		attribute.String("outcome", outcome),
	)
	o.p.attemptCounter.Add(ctx, 1, attrs)
	o.p.attemptLatency.Record(ctx, elapsed.Seconds(), attrs)
}
