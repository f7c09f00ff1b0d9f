// Package web3 defines the read-only chain access surface shared by the
// gateway and provider layers, together with the yaml chain definition
// loader and wei conversion helpers.
package web3
