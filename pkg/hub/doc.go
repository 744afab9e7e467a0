// Package hub is the server side of the chainview mirror protocol. It
// binds each domain collaborator's internal events to a canonical wire
// type, keeps a listener registry of which sockets asked for which types
// (including key-parameterized account feeds), answers direct commands per
// socket, and broadcasts domain events to exactly the registered sockets.
//
// The domain itself (chain validation, consensus, mining, wallet
// cryptography) stays behind the narrow collaborator interfaces; the hub
// only ever asks for current state and subscribes to events.
package hub
