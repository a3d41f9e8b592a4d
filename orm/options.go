package orm

import "github.com/rs/zerolog"

// options configures a Database and the sessions it opens.
type options struct {
	logger         zerolog.Logger
	echo           bool
	autoflush      bool
	expireOnCommit bool
	metrics        *Metrics
}

func defaultOptions() options {
	return options{
		logger:         zerolog.Nop(),
		autoflush:      true,
		expireOnCommit: true,
	}
}

// Option configures a Database or a single Session.
type Option func(*options)

// WithLogger sets the structured logger. Sessions log lifecycle events at
// debug level with a "session" field.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEcho logs every statement, with its bound arguments, at info level.
func WithEcho(echo bool) Option {
	return func(o *options) { o.echo = echo }
}

// WithAutoflush controls whether pending changes are flushed before every
// query and every Get that misses the identity map. It is on by default.
func WithAutoflush(enabled bool) Option {
	return func(o *options) { o.autoflush = enabled }
}

// WithExpireOnCommit controls whether Commit re-reads every persistent
// instance so that server-generated values are visible. It is on by default.
func WithExpireOnCommit(enabled bool) Option {
	return func(o *options) { o.expireOnCommit = enabled }
}

// WithMetrics records session activity on m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}
