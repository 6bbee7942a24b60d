/*
Package tracing gives every HTTP request a trace id and logs one span per request.

A request's X-Request-ID header (a UUID) continues its trace; otherwise a new id is
generated and echoed back. The trace travels in the request context. Source fetches
inject it as X-Request-ID too, starting a fresh trace when they run outside a request.

	tracer := tracing.New("scenehost", logger)
	defer tracer.Close()
	router.Use(tracing.HTTPMiddleware(tracer))

Spans are handed to a buffered collector and logged off the request path. A full
buffer drops spans rather than blocking requests.
*/
package tracing
