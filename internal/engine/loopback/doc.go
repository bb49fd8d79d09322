// Package loopback provides a headless engine for the supervisor.
//
// The engine does not render anything. It checks that the host document is
// present, loads navigation targets from disk, and runs a [GuestScript] on
// its own event-loop goroutine in place of hosted web content. Frames the
// script sends back are handed to a [Sink], normally the bridge's
// ReceiveFromGuest.
package loopback
