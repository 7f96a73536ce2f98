// Package logx configures pulse's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output
// readable (short timestamp + short caller) and file output JSON-structured.
// Outputs can be swapped at runtime through Service.Apply.
package logx
