// Package protocol defines the wire protocol shared by the chainview hub
// and its mirror clients.
//
// Every frame on the wire is a JSON object with a "type" field and an
// optional "data" field. Event types are either plain strings
// ("chain-head-changed") or keyed ("account-changed/<address>"), where the
// key is embedded after a slash. Selector parses the two forms into a
// tagged value so callers dispatch with a switch instead of string surgery
// at every site.
package protocol
