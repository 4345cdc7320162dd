/*
Package types holds the shared domain records: addresses, sessions,
manifests, resource limits, and metrics snapshots.

An Address is the blake2b-256 hash of a manifest's canonical encoding,
so it is stable across restarts for the same program and configuration.
Hex parsing accepts an optional 0x prefix; origin accounts parse from
their ss58 form.
*/
package types
