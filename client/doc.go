// Package client defines the interface the engine uses to talk to a remote
// mail service, together with the value types that cross it.
//
// The engine never speaks the wire protocol itself. Implementations of
// [Client] own the SRP exchange, token issuance, and the new-mail check;
// the engine drives them and reacts to the closed set of outcomes defined
// here. Implementations must be safe for concurrent use: the engine calls
// them from one goroutine per account.
package client
