package objectstore

import (
	"context"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Store is a content-addressed object store. Put of identical bytes under
// the same key is idempotent and returns the same ref; objects are never
// rewritten once stored.
type Store interface {
	Put(ctx context.Context, key Key, data []byte) (Ref, error)
	Get(ctx context.Context, ref Ref) ([]byte, error)
	Exists(ctx context.Context, ref Ref) (bool, error)
}

// Shared codecs; EncodeAll and DecodeAll are safe for concurrent use.
var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)

func compress(data []byte) []byte {
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

// decodeVerified decompresses a stored payload and checks it against digest.
func decodeVerified(stored []byte, ref Ref, digest string) ([]byte, error) {
	data, err := decoder.DecodeAll(stored, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, ref, err)
	}
	if got := Digest(data); got != digest {
		return nil, fmt.Errorf("%w: %s has digest %s", ErrCorrupt, ref, got)
	}
	return data, nil
}

// prepare computes the ref for data and its stored encoding.
func prepare(key Key, data []byte) (Ref, []byte, error) {
	ref, err := NewRef(key, Digest(data))
	if err != nil {
		return "", nil, err
	}
	return ref, compress(data), nil
}
