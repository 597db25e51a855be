// Package logx configures greenbox's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and size-rotated (lumberjack)
//
// Loggers are passed explicitly through constructors; there is no package
// level logger.
package logx
