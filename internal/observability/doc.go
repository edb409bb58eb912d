// Package observability provides structured logging for the login service.
//
// Loggers are zap-based; the HTTP request logger lives in the middleware
// package and tags each line with the chi request ID.
package observability
