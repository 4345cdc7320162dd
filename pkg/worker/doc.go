/*
Package worker holds the host process identity: the ed25519 signing key
and the session seed.

Init draws a fresh 32-byte seed salted by an operator-supplied byte
string of at most 64 bytes; every instance session during the worker
session derives from the seed, the instance address, and the start
count. Metrics snapshots are signed as a batch under the worker session
and a caller nonce.
*/
package worker
