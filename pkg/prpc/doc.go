/*
Package prpc is the wire RPC layer: named methods dispatched over HTTP
with length-prefixed binary records, or JSON when the request selects
it.

Two dispatchers are served, Admin and User. Dispatch failures map to
HTTP-style codes: NotFound to 404, DecodeError and BadRequest to 400,
AppError and ContractQueryError to 500. Unspecified server failures
surface as AppError.
*/
package prpc
