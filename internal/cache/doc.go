// Package cache owns the on-disk half of the mirror: it translates untrusted
// origin URLs into safe CacheDir/<host>/<path> locations, publishes fetched
// bodies through a temp file + rename protocol so readers never observe
// partial content, and keeps a JSON sidecar (<path>.meta) with the origin
// response headers worth replaying. The engine package coordinates fetches on
// top of these primitives; nothing here talks to the network.
package cache
