// Package backend describes the static pool of upstream servers: their base
// URLs, display names and configuration order, and how request paths are
// resolved against them.
package backend
