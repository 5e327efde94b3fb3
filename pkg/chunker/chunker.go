package chunker

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/jotfs/fastcdc-go"
)

// Config defines the chunking parameters.
type Config struct {
	Min int
	Avg int
	Max int
}

// DefaultConfig suits descriptors of a few KiB up to a few MiB.
var DefaultConfig = Config{Min: 4 << 10, Avg: 16 << 10, Max: 64 << 10}

// Chunker splits a payload into content-defined chunks so that descriptors
// sharing byte runs share stored blocks.
type Chunker interface {
	// Split returns sub-slices of data; no bytes are copied.
	Split(ctx context.Context, data []byte) ([][]byte, error)
}

type fastCDCChunker struct {
	cfg Config
}

// NewChunker returns a FastCDC chunker. Zero fields take DefaultConfig values.
func NewChunker(cfg Config) Chunker {
	if cfg.Min == 0 {
		cfg.Min = DefaultConfig.Min
	}
	if cfg.Avg == 0 {
		cfg.Avg = DefaultConfig.Avg
	}
	if cfg.Max == 0 {
		cfg.Max = DefaultConfig.Max
	}
	return &fastCDCChunker{cfg: cfg}
}

func (c *fastCDCChunker) Split(ctx context.Context, data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	// Payloads below the minimum chunk size are a single chunk.
	if len(data) <= c.cfg.Min {
		return [][]byte{data}, nil
	}

	cdc, err := fastcdc.NewChunker(bytes.NewReader(data), fastcdc.Options{
		MinSize:     c.cfg.Min,
		AverageSize: c.cfg.Avg,
		MaxSize:     c.cfg.Max,
	})
	if err != nil {
		return nil, fmt.Errorf("fastcdc: %w", err)
	}

	var out [][]byte
	off := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := cdc.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		n := len(chunk.Data)
		if off+n > len(data) {
			return nil, fmt.Errorf("fastcdc: chunk overruns input at offset %d", off)
		}
		out = append(out, data[off:off+n:off+n])
		off += n
	}
	if off != len(data) {
		return nil, fmt.Errorf("fastcdc: consumed %d of %d bytes", off, len(data))
	}
	return out, nil
}
