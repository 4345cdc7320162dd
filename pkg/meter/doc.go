/*
Package meter tracks one instance's resource usage: gas, network bytes
in and out, storage bytes read and written, plus the stop flag the epoch
checker uses to preempt the instance.

All counters are lock-free atomics so host calls can charge from the
execution path; adds saturate at the 64-bit maximum. Counters are
monotonic for the lifetime of a run and reset on restart.
*/
package meter
