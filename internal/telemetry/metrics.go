package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/wolfeidau/wtransport"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Endpoint lifecycle metrics
	EndpointsCreatedTotal  metric.Int64Counter
	EndpointsFailedTotal   metric.Int64Counter
	EndpointsReleasedTotal metric.Int64Counter
	ServersActive          metric.Int64UpDownCounter
	ClientsActive          metric.Int64UpDownCounter
	ConstructDuration      metric.Float64Histogram

	// Loop metrics
	LoopTasksPostedTotal  metric.Int64Counter
	LoopTasksDroppedTotal metric.Int64Counter
	LoopPostRejectedTotal metric.Int64Counter

	// Session metrics
	SessionsAcceptedTotal metric.Int64Counter
	SessionsRejectedTotal metric.Int64Counter
	ClientConnectsTotal   metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// Tracer returns the tracer used for factory operations.
func Tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(instrumentationName)
}

func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(instrumentationName)

	m := &Metrics{}

	m.EndpointsCreatedTotal, _ = meter.Int64Counter(
		"wtransport.endpoints.created.total",
		metric.WithDescription("Total number of endpoints constructed on the I/O loop"),
		metric.WithUnit("{endpoint}"),
	)

	m.EndpointsFailedTotal, _ = meter.Int64Counter(
		"wtransport.endpoints.failed.total",
		metric.WithDescription("Total number of endpoint creation requests that failed"),
		metric.WithUnit("{endpoint}"),
	)

	m.EndpointsReleasedTotal, _ = meter.Int64Counter(
		"wtransport.endpoints.released.total",
		metric.WithDescription("Total number of endpoints released by their owner"),
		metric.WithUnit("{endpoint}"),
	)

	m.ServersActive, _ = meter.Int64UpDownCounter(
		"wtransport.servers.active",
		metric.WithDescription("Number of servers currently bound"),
		metric.WithUnit("{server}"),
	)

	m.ClientsActive, _ = meter.Int64UpDownCounter(
		"wtransport.clients.active",
		metric.WithDescription("Number of clients currently registered"),
		metric.WithUnit("{client}"),
	)

	m.ConstructDuration, _ = meter.Float64Histogram(
		"wtransport.construct.duration",
		metric.WithDescription("Time a caller waited for construction on the I/O loop"),
		metric.WithUnit("ms"),
	)

	m.LoopTasksPostedTotal, _ = meter.Int64Counter(
		"wtransport.loop.tasks.posted.total",
		metric.WithDescription("Total number of tasks posted to a loop"),
		metric.WithUnit("{task}"),
	)

	m.LoopTasksDroppedTotal, _ = meter.Int64Counter(
		"wtransport.loop.tasks.dropped.total",
		metric.WithDescription("Total number of queued tasks discarded at loop teardown"),
		metric.WithUnit("{task}"),
	)

	m.LoopPostRejectedTotal, _ = meter.Int64Counter(
		"wtransport.loop.tasks.rejected.total",
		metric.WithDescription("Total number of posts rejected because the loop was closed"),
		metric.WithUnit("{task}"),
	)

	m.SessionsAcceptedTotal, _ = meter.Int64Counter(
		"wtransport.sessions.accepted.total",
		metric.WithDescription("Total number of WebTransport sessions accepted by servers"),
		metric.WithUnit("{session}"),
	)

	m.SessionsRejectedTotal, _ = meter.Int64Counter(
		"wtransport.sessions.rejected.total",
		metric.WithDescription("Total number of WebTransport upgrade requests rejected by servers"),
		metric.WithUnit("{session}"),
	)

	m.ClientConnectsTotal, _ = meter.Int64Counter(
		"wtransport.clients.connects.total",
		metric.WithDescription("Total number of client connection attempts"),
		metric.WithUnit("{attempt}"),
	)

	return m
}
