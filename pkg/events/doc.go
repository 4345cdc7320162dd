/*
Package events provides the in-process broker for host events: instance
created and exited, object stored and removed, worker init.

Subscribers get buffered channels; broadcast never blocks on a slow
subscriber, dropping events for it instead.
*/
package events
