// Package catalog loads the fixtures a run is built from.
//
// Ownership boundary:
// - kernel directories and their meta (json or toml)
// - kernel spec resolution for a kernel's launch identifier
// - feature fixtures (request + compiled reply schema)
// - kernel selection by name prefix
package catalog
