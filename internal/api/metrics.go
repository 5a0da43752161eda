package api

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/smaops/avops/internal/api")

// runsStarted counts the runs triggered through the API, labeled by how
// they were triggered. The global meter provider defaults to a no-op, so
// deployments without a metrics pipeline pay nothing.
var runsStarted, _ = meter.Int64Counter(
	"avops.runs.started",
	metric.WithDescription("Workflow and bundle runs started through the API"),
)
