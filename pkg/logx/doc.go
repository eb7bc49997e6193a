// Package logx configures opsrunner's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - hot-reloadable sinks and levels (console, file) behind a stable handle
//   - slog-like Field ergonomics without the slog dependency
//   - a zero-value-safe no-op logger for tests and optional components
package logx
