// Package eventq provides non-blocking, backpressure-aware channel sends
// so that a slow or absent consumer never stalls a worker's state
// transitions.
package eventq

// Offer attempts a non-blocking send of value on ch. It reports whether the
// value was accepted. Sending on a closed channel would normally panic; a
// subscriber disconnecting mid-run is a reasonable event, not a supervisor
// bug, so Offer recovers and reports false instead.
func Offer[T any](ch chan<- T, value T) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case ch <- value:
		return true
	default:
		return false
	}
}
