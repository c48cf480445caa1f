package telemetry

// MsgTaskLog carries a chunk of output written to a span.
type MsgTaskLog struct {
	SpanID string
	Data   []byte
}

// MsgPlan announces the packages an install will act on.
type MsgPlan struct {
	Names     []string
	Deps      map[string][]string
	Requested []string
}

type msgFlush struct {
	done chan struct{}
}
