// Package protocol owns the wire contract shared by the rendezvous transport.
//
// Ownership boundary:
// - error kinds
// - frame header primitives (frame)
// - cursor encoder/decoder (wire)
// - handshake request/reply codec (handshake)
// - caller-level retry/backoff primitives (session)
package protocol
