// Package engine coordinates origin fetches on top of the disk cache.
//
// A request is resolved to a cache Location, served straight from disk when
// the content file exists, and otherwise joined to a single in-flight fetch
// per key. The fetch leader holds an admission slot for the duration of the
// origin call and publishes through cache.Store.Put; every waiter then opens
// its own reader on the published file. Close stops admitting new work and
// waits (bounded) for running fetches to finish.
package engine
