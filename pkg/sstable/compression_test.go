package sstable

import (
	"bytes"
	"strings"
	"testing"
)

func TestBlockCompressorNone(t *testing.T) {
	c, err := newBlockCompressor(DefaultCompressionConfig())
	if err != nil {
		t.Fatalf("new block compressor: %v", err)
	}
	defer c.close()

	data := []byte("hello world")
	compressed, err := c.compress(data)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if !bytes.Equal(compressed, data) {
		t.Errorf("expected no compression, got different data")
	}

	decompressed, err := c.decompress(compressed)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(decompressed, data) {
		t.Errorf("decompressed data doesn't match original")
	}
}

func TestBlockCompressorZstd(t *testing.T) {
	c, err := newBlockCompressor(ZstdCompressionConfig(3))
	if err != nil {
		t.Fatalf("new block compressor: %v", err)
	}
	defer c.close()

	data := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog ", 100))
	compressed, err := c.compress(data)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if len(compressed) >= len(data) {
		t.Errorf("zstd should compress repeating data efficiently")
	}

	decompressed, err := c.decompress(compressed)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(decompressed, data) {
		t.Errorf("decompressed data doesn't match original")
	}
}

func TestBlockCompressorZstdLevelClamped(t *testing.T) {
	cfg := ZstdCompressionConfig(999)
	if cfg.Level != 3 {
		t.Fatalf("expected out-of-range level to clamp to 3, got %d", cfg.Level)
	}
}

func TestBlockCompressorEmptyData(t *testing.T) {
	c, err := newBlockCompressor(ZstdCompressionConfig(3))
	if err != nil {
		t.Fatalf("new block compressor: %v", err)
	}
	defer c.close()

	compressed, err := c.compress(nil)
	if err != nil {
		t.Fatalf("compress empty: %v", err)
	}
	if len(compressed) != 0 {
		t.Errorf("expected empty compressed data, got %d bytes", len(compressed))
	}

	decompressed, err := c.decompress(compressed)
	if err != nil {
		t.Fatalf("decompress empty: %v", err)
	}
	if len(decompressed) != 0 {
		t.Errorf("expected empty decompressed data, got %d bytes", len(decompressed))
	}
}

func TestCompressionRatio(t *testing.T) {
	tests := []struct {
		original   int
		compressed int
		want       float64
	}{
		{1000, 500, 0.5},
		{1000, 250, 0.25},
		{1000, 1000, 1.0},
		{0, 0, 0.0},
	}
	for _, tt := range tests {
		got := CompressionRatio(tt.original, tt.compressed)
		if got != tt.want {
			t.Errorf("CompressionRatio(%d, %d) = %f, want %f", tt.original, tt.compressed, got, tt.want)
		}
	}
}

func TestAlgorithmString(t *testing.T) {
	tests := []struct {
		algo Algorithm
		want string
	}{
		{AlgorithmNone, "none"},
		{AlgorithmZstd, "zstd"},
		{Algorithm(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.algo.String(); got != tt.want {
			t.Errorf("Algorithm(%d).String() = %s, want %s", tt.algo, got, tt.want)
		}
	}
}
