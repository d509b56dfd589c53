// Package stores persists the event stream. SQLiteStore keeps every event as a
// CBOR record next to a few indexed columns, and a macro run history derived
// from macro events. EventSink subscribes to the bus and feeds the store.
package stores
