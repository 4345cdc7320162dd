/*
Package metrics exposes the worker's Prometheus collectors: instance
lifecycle counts, deploys, aggregate resource consumption, module cache
activity, blob store operations, and API request counters.

Call Register once at startup; the handler serves the standard
/metrics endpoint on the admin mount.
*/
package metrics
