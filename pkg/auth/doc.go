// Package auth implements the authorization store of the web process: salted
// PBKDF2 password verification, session tokens bound to the client address
// and login blocking after repeated failures.
package auth
