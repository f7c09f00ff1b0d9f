// Package api exposes the REST interface for submitting natural language
// task requests and managing the resulting tasks: listing, detail, cancel,
// acknowledgment and aggregate stats.
package api
