package transport

import "time"

// reconnector implements the backoff and address fallback policy.
//
// With auto reconnect every address gets MaxReconnectAttempts attempts; the
// delay before a retry starts at unit and doubles per failure. Without auto
// reconnect each address is tried once. Once the last address has failed the
// policy is exhausted and rewinds to the first address for the next Start.
type reconnector struct {
	addresses []Address
	auto      bool
	unit      time.Duration

	index    int
	attempts int
	delay    time.Duration
}

func newReconnector(addresses []Address, auto bool, unit time.Duration) *reconnector {
	return &reconnector{
		addresses: addresses,
		auto:      auto,
		unit:      unit,
		delay:     unit,
	}
}

// current returns the address of the next attempt.
func (r *reconnector) current() Address {
	return r.addresses[r.index]
}

// failed records a failed attempt. It returns the wait before the next attempt
// and false once every address is exhausted.
func (r *reconnector) failed() (time.Duration, bool) {
	r.attempts++
	if r.auto && r.attempts < MaxReconnectAttempts {
		wait := r.delay
		r.delay *= 2
		return wait, true
	}

	r.index++
	r.attempts = 0
	r.delay = r.unit
	if r.index >= len(r.addresses) {
		r.index = 0
		return 0, false
	}
	return 0, true
}

// succeeded resets the backoff; the address index is kept.
func (r *reconnector) succeeded() {
	r.attempts = 0
	r.delay = r.unit
}

// rewind restarts the policy at the first address.
func (r *reconnector) rewind() {
	r.index = 0
	r.succeeded()
}
