package bitmap

import (
	"encoding/binary"
	"fmt"

	"github.com/RoaringBitmap/roaring"
)

// The wire format for a cached bitmap value is
// [4-byte big-endian revision][compressed roaring bitmap bytes].

const revisionHeaderLen = 4

// Encode serializes a bitmap and its revision into the wire format.
func Encode(revision uint32, bm *roaring.Bitmap) ([]byte, error) {
	body, err := bm.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize bitmap: %w", err)
	}

	value := make([]byte, revisionHeaderLen+len(body))
	binary.BigEndian.PutUint32(value, revision)
	copy(value[revisionHeaderLen:], body)
	return value, nil
}

// Decode parses a wire-format value back into its revision and bitmap.
func Decode(value []byte) (uint32, *roaring.Bitmap, error) {
	if len(value) < revisionHeaderLen {
		return 0, nil, fmt.Errorf("bitmap value too short: %d bytes", len(value))
	}

	revision := binary.BigEndian.Uint32(value)
	bm := roaring.New()
	if err := bm.UnmarshalBinary(value[revisionHeaderLen:]); err != nil {
		return 0, nil, fmt.Errorf("deserialize bitmap: %w", err)
	}
	return revision, bm, nil
}
