// Package reporter turns the stats store into the balancer's read-only
// observability surface: the JSON statistics snapshot, the balancer health
// summary and the HTML dashboard that polls the snapshot.
package reporter
