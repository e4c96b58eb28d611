// Package logx is the naualerts logging layer: a small field-based wrapper
// over zerolog with hot-swappable sinks.
//
// Sinks:
//   - console (short timestamp + file:line caller)
//   - JSON file
//   - Telegram log chat (min-level, rate limited, never blocks the caller)
//   - Sentry (error level and above, when a DSN is configured)
package logx
