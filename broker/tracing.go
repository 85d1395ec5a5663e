package broker

import (
	"context"

	"go.opentelemetry.io/otel"
)

// headerCarrier adapts an AMQP headers table to otel's TextMapCarrier, the
// same role common/broker/tracing.go's AMQPHeadersCarrier plays.
type headerCarrier map[string]interface{}

func (c headerCarrier) Get(key string) string {
	v, ok := c[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (c headerCarrier) Set(key, value string) {
	c[key] = value
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// InjectTraceContext writes ctx's active span (if any) into headers using
// the process-wide otel propagator, so a consumer on the other side of the
// broker can continue the trace. Call before Publish when headers is the
// Properties.Headers map you intend to publish with.
func InjectTraceContext(ctx context.Context, headers map[string]interface{}) {
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(headers))
}

// ExtractTraceContext reads a propagated trace context out of delivery
// headers and attaches it to ctx, so a handler can start a child span
// continuing the publisher's trace.
func ExtractTraceContext(ctx context.Context, headers map[string]interface{}) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, headerCarrier(headers))
}
