// Package notification posts best-effort JSON notifications to the HTTP
// endpoints described by notification connectors. Failures are logged and
// swallowed.
package notification
