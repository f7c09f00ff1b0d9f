// Package extract contains adapters for turning free-form user text into
// structured task drafts via large language models. It abstracts away
// provider-specific APIs and normalizes request/response lifecycles.
package extract
