// Package server hosts the Fiber HTTP service, request middleware chain, and
// origin registry glue that turns an inbound request into an origin URL for
// the caching engine. Requests are matched by Host (origins with a Domain),
// then by the first path segment (/<origin>/<path>), and finally by the
// direct-fetch endpoint (/-/fetch?url=) when enabled. Diagnostics live under
// /-/ and are registered by the routes subpackage. Keep exports narrow and
// accept explicit dependencies.
package server
