/*
Package chain is the narrow chain-submission client: connect to a node,
submit a signed transaction, optionally wait for finality. Every RPC
round trip is bounded by NetTimeout. Transaction mortality and tip are
reserved in SubmitOptions so they can land without changing call sites.
*/
package chain
