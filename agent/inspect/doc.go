// Package inspect serves a read-mostly HTTP view of an executor's runs.
//
// Runs are listed and read as JSON. GET /runs/:id/output upgrades to a WebSocket that streams the run's
// output history followed by live output, one JSON OutputMessage per chunk, and ends with a message
// whose Done field is set.
package inspect
