// Package callback validates and sequences the protocol messages container
// workers send back to the server, advancing container state and answering
// handshakes with the data the worker needs to run.
package callback
