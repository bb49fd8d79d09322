// Package supervisor owns embedded runtime handles and drives their
// lifecycle.
//
// A handle moves through a fixed set of states:
//
//	Uninitialized -> Initializing -> Ready
//	                              -> Degraded(reason)
//	any state     -> Disposed
//
// Initialization is asynchronous from the UI's point of view: Initialize
// blocks the calling goroutine, while the ready/degraded notification is
// posted to a [uithread.Dispatcher] after the transition has been recorded.
// Exactly one notification is delivered per handle, and none is delivered
// once the handle has been disposed.
//
// Each handle carries its own [bus.Bus]. Lifecycle changes and engine
// navigation events are published on it so that hosted content and tooling
// can follow the runtime without holding a reference to the supervisor.
//
// Engines that share a cache directory never overlap: the supervisor claims
// the directory before the engine is created and releases it only after the
// engine has closed.
package supervisor
