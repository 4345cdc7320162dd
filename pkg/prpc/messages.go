package prpc

import (
	"github.com/cuemby/wapod/pkg/types"
	"github.com/cuemby/wapod/pkg/worker"
)

// InitRequest starts a new worker session
type InitRequest struct {
	Salt []byte `cbor:"1,keyasint" json:"salt"`
}

// InitResponse reports the fresh worker session and identity key
type InitResponse struct {
	Session   types.Bytes32 `cbor:"1,keyasint" json:"session"`
	PublicKey []byte        `cbor:"2,keyasint" json:"public_key"`
}

// DeployRequest installs (or replaces) the instance for a manifest
type DeployRequest struct {
	Manifest types.Manifest `cbor:"1,keyasint" json:"manifest"`
}

// DeployResponse names the deployed instance
type DeployResponse struct {
	Address types.Address `cbor:"1,keyasint" json:"address"`
	Session types.Bytes32 `cbor:"2,keyasint" json:"session"`
}

// AddressRequest targets one instance by hex address
type AddressRequest struct {
	Address string `cbor:"1,keyasint" json:"address"`
}

// Empty is the bodyless response
type Empty struct{}

// MetricsRequest asks for signed usage snapshots. With no addresses,
// every deployed instance is included.
type MetricsRequest struct {
	Addresses []string      `cbor:"1,keyasint" json:"addresses"`
	Nonce     types.Bytes32 `cbor:"2,keyasint" json:"nonce"`
}

// MetricsResponse carries the signed batch
type MetricsResponse struct {
	Signed worker.SignedMetrics `cbor:"1,keyasint" json:"signed"`
}

// PutObjectRequest uploads a blob inline
type PutObjectRequest struct {
	Hash      []byte              `cbor:"1,keyasint" json:"hash"`
	Algorithm types.HashAlgorithm `cbor:"2,keyasint" json:"algorithm"`
	Body      []byte              `cbor:"3,keyasint" json:"body"`
}

// ObjectRequest names a blob by hash
type ObjectRequest struct {
	Hash      []byte              `cbor:"1,keyasint" json:"hash"`
	Algorithm types.HashAlgorithm `cbor:"2,keyasint" json:"algorithm"`
}

// ObjectExistsResponse reports blob presence
type ObjectExistsResponse struct {
	Exists bool `cbor:"1,keyasint" json:"exists"`
}

// InfoResponse summarizes the worker
type InfoResponse struct {
	Running     int           `cbor:"1,keyasint" json:"running"`
	Deployed    int           `cbor:"2,keyasint" json:"deployed"`
	Session     types.Bytes32 `cbor:"3,keyasint" json:"session"`
	Initialized bool          `cbor:"4,keyasint" json:"initialized"`
}

// QueryRequest pushes a query to an instance
type QueryRequest struct {
	Address string `cbor:"1,keyasint" json:"address"`
	Origin  string `cbor:"2,keyasint" json:"origin"`
	Payload []byte `cbor:"3,keyasint" json:"payload"`
}

// QueryResponse carries the instance's raw reply bytes
type QueryResponse struct {
	Payload []byte `cbor:"1,keyasint" json:"payload"`
}
