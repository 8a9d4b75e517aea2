// Package server schedules the per-session liveness timers: a periodic ping
// probe and an inactivity expiry watchdog.
package server

import (
	"sync"
	"time"
)

// KeepAlive manages the two named timers of a session: ping and expire.
// At most one timer of each name is pending at any instant; arming a timer
// cancels any outstanding timer of the same name (replace, never stack).
// Generation counters make stale in-flight fires detectable so a replaced
// timer that already left the runtime queue no-ops instead of firing twice.
type KeepAlive struct {
	mu             sync.Mutex
	pingInterval   time.Duration
	expireInterval time.Duration
	onPing         func()
	onExpire       func()
	ping           *time.Timer
	expire         *time.Timer
	pingGen        uint64
	expireGen      uint64
	stopped        bool
}

// NewKeepAlive creates a scheduler that invokes onPing every pingInterval
// and onExpire every expireInterval until stopped. The callbacks run on
// timer goroutines and must not call back into Stop.
func NewKeepAlive(pingInterval, expireInterval time.Duration, onPing, onExpire func()) *KeepAlive {
	return &KeepAlive{
		pingInterval:   pingInterval,
		expireInterval: expireInterval,
		onPing:         onPing,
		onExpire:       onExpire,
	}
}

// Start arms both timers. Called once when the session authenticates.
func (k *KeepAlive) Start() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.armPingLocked()
	k.armExpireLocked()
}

// Extend re-arms the expire timer, replacing any pending one. Called on any
// inbound frame activity: the connection is considered alive if anything at
// all has been received recently.
func (k *KeepAlive) Extend() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.armExpireLocked()
}

// Stop cancels both timers. After Stop returns, neither callback will be
// invoked again. Safe to call more than once.
func (k *KeepAlive) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.stopped = true
	if k.ping != nil {
		k.ping.Stop()
		k.ping = nil
	}
	if k.expire != nil {
		k.expire.Stop()
		k.expire = nil
	}
}

func (k *KeepAlive) armPingLocked() {
	if k.stopped {
		return
	}
	if k.ping != nil {
		k.ping.Stop()
	}
	k.pingGen++
	gen := k.pingGen
	k.ping = time.AfterFunc(k.pingInterval, func() { k.firePing(gen) })
}

func (k *KeepAlive) armExpireLocked() {
	if k.stopped {
		return
	}
	if k.expire != nil {
		k.expire.Stop()
	}
	k.expireGen++
	gen := k.expireGen
	k.expire = time.AfterFunc(k.expireInterval, func() { k.fireExpire(gen) })
}

func (k *KeepAlive) firePing(gen uint64) {
	k.mu.Lock()
	if k.stopped || gen != k.pingGen {
		k.mu.Unlock()
		return
	}
	k.mu.Unlock()

	k.onPing()

	k.mu.Lock()
	k.armPingLocked()
	k.mu.Unlock()
}

func (k *KeepAlive) fireExpire(gen uint64) {
	k.mu.Lock()
	if k.stopped || gen != k.expireGen {
		k.mu.Unlock()
		return
	}
	k.mu.Unlock()

	k.onExpire()

	k.mu.Lock()
	k.armExpireLocked()
	k.mu.Unlock()
}
