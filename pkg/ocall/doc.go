/*
Package ocall implements the host-call surface: the fixed set of
out-of-band operations a sandboxed program may invoke on the host.

Each instance owns one Env holding its meter, resource handle table,
outbound ACL, and the channels external commands arrive on. Host calls
charge the meter in their own path (byte-counted reads and writes, fixed
connection fees) without taking any scheduler lock; the scheduler's only
lever is the meter stop flag, observed here at every call.

Resources (listeners, streams, spawned tasks) are referred to by small
positive integers valid only within the allocating instance. A TLS
listener is SNI-aware: binding the same address again augments its
server-name table, and binding an already-present server name replaces
that certificate for subsequent handshakes.

All failures surface to the guest as the Errno enumeration; no native
error or panic crosses the sandbox boundary.

Blocking calls (accept, read, sleep, join, next-query) release the
instance's run lock while parked, so other guest tasks of the same
instance can execute; guest code never runs on two goroutines at once.
*/
package ocall
