// Package adapter contains implementations of interfaces defined in app.
// Postgres, Redis, and AWS adapters live here.
package adapter

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("authcore/adapter")
