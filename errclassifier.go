// SPDX-License-Identifier: GPL-3.0-or-later

package nbdcore

import "github.com/bassosimone/nbdcore/errno"

// ErrClassifier classifies errors into categorical strings for analysis.
//
// Implementations map errors to short, descriptive labels (e.g., "ESHUTDOWN",
// "ENOTSUP") that facilitate structured logging of dial and I/O failures.
type ErrClassifier interface {
	Classify(err error) string
}

// ErrClassifierFunc adapts a function to the [ErrClassifier] interface.
//
// This allows using simple functions as classifiers:
//
//	op.ErrClassifier = ErrClassifierFunc(myClassifyFunc)
type ErrClassifierFunc func(error) string

var _ ErrClassifier = ErrClassifierFunc(nil)

// Classify implements [ErrClassifier].
func (f ErrClassifierFunc) Classify(err error) string {
	return f(err)
}

// DefaultErrClassifier classifies using the errno package's mapping into
// the wire protocol's errno domain.
var DefaultErrClassifier = ErrClassifierFunc(func(err error) string {
	_, label := errno.Classify(err)
	return label
})
