// Package cli is responsible for parsing command-line arguments, validating
// user input, and handling process-level concerns like exit codes. It
// resolves the layered configuration (defaults, file, environment, flags)
// and hands it to the app package.
package cli
