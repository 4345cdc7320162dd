/*
Package engine wraps the WebAssembly compiler and executor behind a
compiled-module cache.

A module is compiled once per content hash and the artifact is reused for
every instantiation during the worker's lifetime; concurrent compiles of
the same hash serialize and share the result. Instantiate produces a
fresh linear memory and installs the host-call bindings under a
versioned import namespace ("wapo.v0"); a manifest that demands a newer
ABI than the engine provides is rejected before any code runs.

Declared memory limits are checked against the configured page cap at
instantiation, so a module can never grow past its manifest's share.

Guest execution within one runtime is serialized by a run lock that
blocking host calls release while parked, which keeps one instance off
two OS threads at the same time while still letting spawned guest tasks
make progress.
*/
package engine
