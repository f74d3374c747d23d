// Package bus implements the line-oriented PUSH/PULL sockets the four
// processes talk over: the master inbox carrying JSON action messages and the
// log bus carrying plain text lines. Clients reconnect lazily; a push into a
// dead socket fails fast and the caller decides whether that matters.
package bus
