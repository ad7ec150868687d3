package driver

import (
	"time"

	"github.com/cuemby/berth/pkg/log"
	"github.com/rs/zerolog"
)

type options struct {
	callTimeout time.Duration
	logger      *zerolog.Logger
}

// Option configures a driver
type Option func(*options)

// WithCallTimeout bounds every engine call
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) {
		o.callTimeout = d
	}
}

// WithLogger replaces the driver's component logger
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &l
	}
}

func buildOptions(component string, opts []Option) options {
	o := options{callTimeout: DefaultCallTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		l := log.WithComponent(component)
		o.logger = &l
	}
	return o
}
