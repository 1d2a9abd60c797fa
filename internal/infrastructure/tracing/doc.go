/*
Package tracing propagates request ids and records request spans.

An API request keeps the X-Request-ID it arrived with, or gets a fresh one.
The id is stored in the request context, echoed on the response, and sent
on any CDN request made with that context. Finished spans are logged by a
collector goroutine: at Debug normally, Warn for 5xx responses and Error
when a handler recorded an error.

# Usage

	tracer := tracing.New(logger)
	defer tracer.Close()
	router.Use(tracing.HTTPMiddleware(tracer))
*/
package tracing
