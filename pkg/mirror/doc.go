// Package mirror keeps client-side replicas of the hub's domain
// components. Each component proxy is built over a shared generic driver
// (Entity) that maps wire events to local events, refreshes a declared
// attribute set from full-state responses, resynchronizes after every
// reconnect, and registers interest with the server exactly once per wire
// event type no matter how many local listeners exist.
//
// Components whose events are parameterized by a runtime key (the
// per-account change feed) layer a KeyedFeed on top, which reference
// counts listeners per key and emits one wire (un)registration per
// zero/non-zero transition of a key's listener count.
package mirror
