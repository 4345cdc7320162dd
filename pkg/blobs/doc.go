/*
Package blobs is the content-addressed object store.

Objects live as flat files named by the hex encoding of their hash;
there is no index. An upload streams through a temp file while being
hashed, is rejected on mismatch or over-size, and lands with an atomic
rename, so concurrent readers see either the old bytes or the new bytes
but never a partial write. Reads re-verify the hash before returning.
*/
package blobs
