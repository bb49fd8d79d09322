// Package logging provides structured logging for hybridhost.
//
// It wraps Go's log/slog with a JSON handler and keeps a set of persistent
// attributes (runtime id, component) that child loggers inherit. Output goes
// either to stderr or to a size-rotated file under the engine cache
// directory.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger(logging.Options{
//	    Dir:      "/path/to/cache/logs",
//	    Level:    logging.LevelInfo,
//	    Rotation: logging.DefaultRotationConfig(),
//	})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	rtLog := logger.WithComponent("supervisor").WithRuntime(handle.ID())
//	rtLog.Info("runtime ready", "version", info.Version)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"runtime ready","component":"supervisor","runtime_id":"...","version":"..."}
//
// Tests and callers that do not care about output use [NopLogger].
package logging
