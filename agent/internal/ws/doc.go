// Package ws streams the live result store to WebSocket clients.
//
// Clients connect to the hub's handler (mounted at /ws/stream) and receive a
// "snapshot" message immediately, then again on every broadcast tick:
//
//	{"event":"snapshot","data":{"results":[...],"alerts":[...],"generated_at":"..."}}
//
// A "module" query parameter restricts results to one module. Clients that
// cannot keep up are disconnected.
package ws
