/*
Package client drives a wapod worker's HTTP API: the prpc admin verbs
(init, deploy, start, stop, remove, metrics, info, exit), the streaming
object routes, and raw pushed queries. The CLI is its main consumer.
*/
package client
