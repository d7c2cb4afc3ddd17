// Package codec turns cached values into bytes for a provider.
// The store requires a codec whose Decode(Encode(v)) is equal to v;
// rollback and snapshots compare and restore encoded payloads.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
