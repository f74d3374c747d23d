// Package files implements the static file process: it serves task input
// files over HTTP and accepts result file uploads, for deployments using the
// built-in http connectors instead of external storage.
package files
