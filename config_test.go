// SPDX-License-Identifier: GPL-3.0-or-later

package nbdcore

import (
	"net"
	"testing"

	"github.com/bassosimone/nbdcore/errno"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	cfg := NewConfig()

	require.NotNil(t, cfg)

	// Dialer should be set to *net.Dialer
	_, ok := cfg.Dialer.(*net.Dialer)
	assert.True(t, ok, "Dialer should be *net.Dialer")

	// ErrClassifier should use the errno package by default
	assert.Equal(t, "", cfg.ErrClassifier.Classify(nil))
	assert.Equal(t, "ESHUTDOWN", cfg.ErrClassifier.Classify(errno.ErrShutdown))

	// TimeNow should be set and return a valid time
	now := cfg.TimeNow()
	assert.False(t, now.IsZero())

	// MaxRequestSize should have a sane positive default
	assert.Equal(t, int64(DefaultMaxRequestSize), cfg.MaxRequestSize)

	// SLogger and SpanIDGenerator should be set
	require.NotNil(t, cfg.SLogger)
	require.NotNil(t, cfg.SpanIDGenerator)
	assert.NotEmpty(t, cfg.SpanIDGenerator())
}
