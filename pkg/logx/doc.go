// Package logx configures pollcron's structured logging.
//
// Components log through logx.Logger, a small wrapper over zerolog:
//   - console output keeps a short timestamp and short caller
//   - file output is JSON
//   - an optional chat sink forwards warnings (min-level + rate limited)
package logx
