// Package gateway fronts every external dependency of the agent: the
// language model used for task extraction and the chain RPC used for
// observations. It owns the retry policy, exponential backoff with jitter
// and per-capability token buckets so callers never talk to upstreams
// directly.
package gateway
