// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package run

import "time"

// =============================================================================
// IDLE-TIMEOUT WATCHDOG
// =============================================================================

// A run receiving no delta within the configured interval is a stalled
// connection: a distinct failure class from a server-declared error.
//
// Every scheduled timer is explicitly invalidated on every transition out of
// sending/receiving (sealLocked calls stopWatchdogLocked unconditionally).
// The fire path additionally carries the epoch it was armed under, so a
// timer that races the seal is a no-op rather than a late mutation.

// armWatchdogLocked schedules the idle timer for the current run. A zero
// interval disables stall detection. Caller holds r.mu.
func (r *Reducer) armWatchdogLocked(interval time.Duration) {
	r.stopWatchdogLocked()
	if interval <= 0 {
		return
	}

	epoch := r.liveEpoch
	r.watchdog = time.AfterFunc(interval, func() {
		r.fireWatchdog(epoch)
	})
	r.watchdogInterval = interval
}

// kickWatchdogLocked pushes the idle deadline out after a delta arrived.
// Caller holds r.mu.
func (r *Reducer) kickWatchdogLocked() {
	if r.watchdog == nil {
		return
	}
	r.watchdog.Reset(r.watchdogInterval)
}

// stopWatchdogLocked invalidates any scheduled timer. Caller holds r.mu.
func (r *Reducer) stopWatchdogLocked() {
	if r.watchdog != nil {
		r.watchdog.Stop()
		r.watchdog = nil
	}
}

// fireWatchdog runs on the timer goroutine. It must never mutate anything
// once the run has reached a terminal state; the epoch comparison and the
// terminal check both guard that.
func (r *Reducer) fireWatchdog(epoch uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.run == nil || epoch != r.liveEpoch || r.run.Status.Terminal() {
		return
	}

	r.log.Warn().Str("run", r.run.ID).Msg("idle timeout: stream stalled")
	r.sealLocked(StatusError, &Error{
		Class:   ErrorClassIdleTimeout,
		Message: "no data received before the idle timeout",
	})
}
