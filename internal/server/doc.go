// Package server owns connection termination and request admission.
//
// Ownership boundary:
// - listener set and accept loops (plaintext or TLS per address)
// - per-connection read loop and in-order response pipeline
// - memory backpressure across all connections of one server
// - dispatch boundary to the application handler
//
// Ordering contract: responses on one connection are written in request
// arrival order even when handlers complete out of order. The read loop is
// strictly sequential per connection; request processing is not.
package server
