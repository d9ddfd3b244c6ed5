package config

import (
	"io"

	"gitlab.com/gitlab-org/labkit/tracing"
)

// TracingServiceName is the service name reported to the tracing backend.
const TracingServiceName = "rendezvous-monitor"

// ConfigureTracing configures global tracing from the GITLAB_TRACING
// environment variable. The returned closer flushes pending spans.
func ConfigureTracing() io.Closer {
	return tracing.Initialize(tracing.WithServiceName(TracingServiceName))
}
