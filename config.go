// SPDX-License-Identifier: GPL-3.0-or-later

package nbdcore

import (
	"context"
	"net"
	"time"
)

// Dialer abstracts the [*net.Dialer] behavior used to reach an upstream
// endpoint, as the nbdclient and httpblock reference layers do.
//
// Abstracting it behind an interface allows unit testing dialpipe's
// pipelines and substituting alternative dialers.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds common configuration shared by the dispatcher and the
// reference layers built on dialpipe.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// Dialer is used by dialpipe's ConnectFunc.
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier], which wraps the
	// errno package's protocol-level classification.
	ErrClassifier ErrClassifier

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time

	// MaxRequestSize is the chunk size in bytes used by the dispatcher's
	// cache-emulation pread loop. The dispatcher does not check other
	// data-path requests against it.
	//
	// Set by [NewConfig] to 32 MiB.
	MaxRequestSize int64

	// SLogger is the logger the dispatcher and reference layers use for
	// structured logging.
	//
	// Set by [NewConfig] to [DefaultSLogger]'s discard implementation.
	SLogger SLogger

	// SpanIDGenerator returns a new span ID used to correlate the log
	// lines emitted by a single chain-control or data-path call.
	//
	// Set by [NewConfig] to [NewSpanID].
	SpanIDGenerator func() string
}

// DefaultMaxRequestSize is the default value of [Config.MaxRequestSize].
const DefaultMaxRequestSize = 32 << 20

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Dialer:          &net.Dialer{},
		ErrClassifier:   DefaultErrClassifier,
		TimeNow:         time.Now,
		MaxRequestSize:  DefaultMaxRequestSize,
		SLogger:         DefaultSLogger(),
		SpanIDGenerator: NewSpanID,
	}
}
