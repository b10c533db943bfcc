// Package logging provides file-based structured logging with rotation.
// DefaultConfig writes JSON logs at info level to
// ~/.flashentropy/logs/server.log and mirrors them to stderr; DebugConfig
// is the same at debug level.
package logging
