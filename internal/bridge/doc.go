// Package bridge binds one embedded runtime to a UI-visible surface.
//
// A Bridge asks the supervisor for a runtime handle and acts as its
// notifier. When the runtime becomes ready the bridge mounts the current
// [MountSpec] into the [MountTarget] and wires the message bus endpoints:
// host handlers registered with [WithHostHandler], and a [GuestChannel]
// that carries messages across the serialization boundary into hosted
// content and back. When the runtime degrades, the bridge renders the
// diagnostic fallback document through the [Surface] instead of mounting.
//
// Lifecycle:
//
//	b, err := bridge.New(sup, target, surface, opts...)
//	b.Start(ctx)   // creates the handle, initializes asynchronously
//	b.Attach(spec) // mounts now if ready, otherwise on ready
//	// ...
//	b.Close()      // unsubscribes, disposes the handle, waits
//
// Attach may be called again at any time. Before the runtime is ready the
// last spec wins; afterwards a different spec replaces the mounted root.
package bridge
