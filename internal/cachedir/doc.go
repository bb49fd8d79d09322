// Package cachedir locates and guards the rendering engine's user-data
// directory.
//
// The directory is scoped per application install, not per runtime, and the
// engine tolerates exactly one live instance using it. [SafePath] derives an
// ASCII-only location from a fixed product identifier, and [Registry] hands
// out exclusive [Claim]s on it, backed by an OS file lock so a second process
// cannot share the directory either.
package cachedir
