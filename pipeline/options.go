package pipeline

import "github.com/chatgraph/chatgraph-go/pipeline/emit"

const (
	defaultMaxSteps    = 100
	defaultMaxParallel = 4
)

// Options configures an Executor. The zero value is usable: events are
// discarded, metrics are off, and conservative limits apply.
type Options struct {
	// Emitter receives observability events. Nil means discard.
	Emitter emit.Emitter

	// Metrics records Prometheus metrics. Nil disables recording.
	Metrics *Metrics

	// MaxSteps bounds the number of executed nodes in one run.
	// Zero means 100.
	MaxSteps int

	// MaxParallel caps how many fan-out branches run concurrently.
	// Zero means 4.
	MaxParallel int
}

// Option mutates Options during Executor construction.
type Option func(*Options)

// WithEmitter routes observability events to e.
func WithEmitter(e emit.Emitter) Option {
	return func(o *Options) { o.Emitter = e }
}

// WithMetrics enables Prometheus metrics recording.
func WithMetrics(m *Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithMaxSteps bounds the number of executed nodes in one run.
func WithMaxSteps(n int) Option {
	return func(o *Options) { o.MaxSteps = n }
}

// WithMaxParallel caps concurrent fan-out branches.
func WithMaxParallel(n int) Option {
	return func(o *Options) { o.MaxParallel = n }
}

func (o *Options) normalize() {
	if o.Emitter == nil {
		o.Emitter = emit.NewNullEmitter()
	}
	if o.MaxSteps <= 0 {
		o.MaxSteps = defaultMaxSteps
	}
	if o.MaxParallel <= 0 {
		o.MaxParallel = defaultMaxParallel
	}
}
