// Package app wires the configuration, logger and job handler together and
// exposes the three ways the handler is driven: a single job, a patch
// preview and the local platform API server. It is decoupled from the CLI
// so that every mode can be exercised from tests.
package app
