// Package store keeps the latest pipeline result for every
// module/field/algorithm combination in memory. Entries that stop updating
// are evicted after a TTL so modules that go silent drop out of the live view.
package store
