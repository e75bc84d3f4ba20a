// Package proxy adapts resolved origin targets to the caching engine: GET
// requests stream the cached body (fetching once on a miss), HEAD requests
// answer from metadata or an origin HEAD, and engine errors are mapped to
// HTTP status codes.
package proxy
