// Package middleware provides the gin middleware of the plugin host API: CORS,
// per-client rate limiting and request body limits.
package middleware
