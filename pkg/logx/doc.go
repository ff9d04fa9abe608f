// Package logx wraps zerolog behind a small structured-logging API.
//
// The zero value of Logger is a safe no-op logger, so components can accept
// a Logger by value without nil checks.
package logx
