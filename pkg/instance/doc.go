/*
Package instance models one running sandboxed program.

An Instance owns its meter, resource handle table, command inbox, and the
guest runtime driving one cooperative task tree. External traffic reaches
it only through the inbox (PushQuery, HTTPConnect, Stop); the guest pulls
from the inbox through host calls and pushes bytes back over reply
channels and duplex pipes.

Lifecycle: Created -> Running -> Exited. Start draws a fresh session
token, resets the meter, and schedules the guest entry point; a repeated
Start while Running is a no-op. The exit reason distinguishes a clean
return, an external stop, quota exhaustion, a guest trap, and a host
error.
*/
package instance
