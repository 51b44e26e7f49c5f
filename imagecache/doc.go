// Package imagecache builds and caches one container image per combination
// of language, base image and dependency set.
//
// GetOrBuild checks the engine for the image, builds it on a miss, and hands
// out a Lease that keeps the image from being evicted while a container uses
// it. Concurrent callers for the same key wait for a single build and share
// its result, failures included. The cache holds at most MaxSize unleased
// images and evicts by least recent use after every insertion and on a
// periodic sweep (Run), which also reconciles records with the engine.
//
// Records are persisted as JSON through MetadataStore so that images built
// before a restart are reused.
package imagecache
