// Package scheduler implements the background reconciliation loop. Each
// round lists due tasks, observes chain state through the gateway, runs the
// pure condition evaluator and applies decisions with optimistic writes.
// Rounds never overlap and a full round drains before the next tick fires.
package scheduler
