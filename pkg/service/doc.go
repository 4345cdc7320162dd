/*
Package service is the process-wide scheduler for sandboxed instances.

It owns the three pieces of shared state every worker can reach:

  - the address table, mapping each 32-byte address to at most one live
    instance (single writer: the service; concurrent readers: the
    front-end adapters),
  - the bounded outgoing channel, a multi-producer single-consumer queue
    carrying (address, message) pairs to the front end with cooperative
    back-pressure and per-producer FIFO order,
  - the global instance cap, enforced at deploy time.

Deploy resolves a manifest to a running instance: bytecode is fetched
from the blob store by hash, compiled through the engine's module cache,
and started with a fresh session. Replacing deploys stop the incumbent
and await its exit before the swap, so the table never holds two
instances for one address and never holds a dead handle.

An epoch checker visits every running instance on a fixed tick, trips
the meter stop flag when a quota is exceeded, and unwinds stopped
instances at their next safe point.

Scheduler events (instance created, instance exited with reason) are
published to a caller-supplied broker.
*/
package service
