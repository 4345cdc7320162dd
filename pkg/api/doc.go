/*
Package api is the HTTP front end: the thin adapter between external
traffic and the core service.

Two mounts are served. The admin mount accepts pushed queries
(POST /push/query/{addr}[/{origin}]), instance stop, worker info, blob
upload/download (POST /object/{hash}?type={alg}, GET /object/{id}),
Prometheus metrics, and the Admin prpc methods under /prpc/{method}. The
user mount serves streaming vm connections (GET|POST /vm/{addr}/*) and
the User prpc methods, throttled by a token bucket.

Addresses are 32-byte hex route params, with or without a 0x prefix.
Query bodies are capped at 100 MiB and object uploads at 10 MiB by
default; both caps are part of the layered configuration (defaults,
then Wapod.toml, then WAPOD_ADMIN_* / WAPOD_USER_* environment
variables).

prpc requests are length-prefixed binary records by default; a ?json
query flag, a JSON content type, or a GET selects the JSON encoding for
both request and response.
*/
package api
