// Package logger provides structured logging with configurable log levels on
// top of log/slog. It optionally mirrors output into a log file and defines a
// CRITICAL level for total outages.
package logger
