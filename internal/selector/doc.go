// Package selector turns the static backend pool into an ordered candidate
// list for each request, skipping backends in their failure cooldown and
// preferring the ones that have served the fewest requests.
package selector
