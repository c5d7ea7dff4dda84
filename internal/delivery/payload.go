package delivery

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// payloadCodec compresses rendered bodies for the ledger's payload column.
type payloadCodec struct {
	encoder *zstd.Encoder

	// decoderPool provides reusable zstd decoders to avoid repeated allocations.
	decoderPool sync.Pool
}

func newPayloadCodec() (*payloadCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return &payloadCodec{
		encoder: enc,
		decoderPool: sync.Pool{
			New: func() any {
				d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				if err != nil {
					return nil
				}
				return d
			},
		},
	}, nil
}

// Encode is safe for concurrent use.
func (c *payloadCodec) Encode(body string) []byte {
	return c.encoder.EncodeAll([]byte(body), nil)
}

func (c *payloadCodec) Decode(payload []byte) (string, error) {
	d, ok := c.decoderPool.Get().(*zstd.Decoder)
	if !ok || d == nil {
		return "", fmt.Errorf("zstd decoder unavailable")
	}
	defer c.decoderPool.Put(d)

	out, err := d.DecodeAll(payload, nil)
	if err != nil {
		return "", fmt.Errorf("decode stored payload: %w", err)
	}
	return string(out), nil
}
