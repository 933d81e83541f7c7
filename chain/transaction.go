// SPDX-License-Identifier: GPL-3.0-or-later

package chain

import (
	"sync"

	"github.com/bassosimone/nbdcore/errno"
)

// Transaction tracks one forwarded request awaiting an asynchronous
// reply, the way a client-style leaf layer (e.g. refplugin/nbdclient)
// needs to correlate a reader goroutine's incoming reply with the
// caller goroutine blocked on the corresponding data-path call.
//
// The zero value is not usable; construct with NewTransaction.
type Transaction struct {
	// Cookie identifies this transaction to the upstream protocol.
	Cookie uint64

	done sync.Once
	wait chan struct{}

	mu  sync.Mutex
	err error
}

// NewTransaction creates a Transaction identified by cookie.
func NewTransaction(cookie uint64) *Transaction {
	return &Transaction{
		Cookie: cookie,
		wait:   make(chan struct{}),
	}
}

// Signal completes the transaction exactly once with err (nil for
// success). Subsequent calls are no-ops, so a reader goroutine racing
// against a connection-level teardown cannot double-complete it.
func (t *Transaction) Signal(err error) {
	t.done.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.wait)
	})
}

// Wait blocks until Signal completes the transaction and returns its
// error. If ch is closed first (e.g. the connection's shutdown
// channel), Wait returns errno.ErrShutdown instead of blocking forever.
func (t *Transaction) Wait(ch <-chan struct{}) error {
	select {
	case <-t.wait:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.err
	case <-ch:
		return errno.ErrShutdown
	}
}
