// Package logx configures scmbridge's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - console output readable (short timestamp + short caller)
//   - file output JSON-structured
//   - an optional alert journal for warnings and errors (min-level + rate limiting)
package logx
