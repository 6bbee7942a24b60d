// Package http provides the REST API of the plugin host.
//
// Endpoints:
//   - Health: / and /health
//   - Instances: /instances, /instances/:id, /instances/:id/reload,
//     /instances/:id/visible, /instances/:id/auto-resize, /instances/:id/frame,
//     /instances/:id/console
//   - Messaging: /instances/:id/messages, /instances/:id/events, /events
//   - Property trees: /trees, /trees/:name, /trees/:name/merged,
//     /trees/:name/base, /trees/:name/common
//
// Instance ids are validated before lookup; domain errors map to 400 (bad input),
// 404 (unknown instance or tree), 409 (instance not ready or torn down) and 503
// (host shutting down).
//
// Example Usage:
//
//	handlers := http.NewHandlers(manager, fetcher, logger)
//	handlers.Register(router)
package http
