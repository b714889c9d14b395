package vectorstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// encodeRecord packs a vector + metadata into the Badger value: a
// 4-byte count of float32s, the binary-encoded vector (teacher's
// float32 codec), then JSON-encoded metadata.
func encodeRecord(vector []float32, metadata map[string]string) ([]byte, error) {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(vector)))

	vecBytes := floatsToBytes(vector)

	out := make([]byte, 0, len(header)+len(vecBytes)+len(meta))
	out = append(out, header...)
	out = append(out, vecBytes...)
	out = append(out, meta...)
	return out, nil
}

func decodeRecord(data []byte) (vector []float32, metadata map[string]string, err error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("record too short: %d bytes", len(data))
	}
	n := binary.BigEndian.Uint32(data[:4])
	vecEnd := 4 + int(n)*4
	if vecEnd > len(data) {
		return nil, nil, fmt.Errorf("record truncated: want %d vector bytes, have %d total", int(n)*4, len(data)-4)
	}

	vector = bytesToFloats(data[4:vecEnd])
	metadata = map[string]string{}
	if len(data) > vecEnd {
		if err := json.Unmarshal(data[vecEnd:], &metadata); err != nil {
			return nil, nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return vector, metadata, nil
}
