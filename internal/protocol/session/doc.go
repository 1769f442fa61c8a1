// Package session holds the caller-side retry policy for establishing a
// connection: how long to wait between attempts and when to stop.
//
// The transport itself never retries; callers that want another attempt
// loop around client.Connect with these helpers.
package session
