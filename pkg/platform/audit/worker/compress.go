package worker

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	audit "auditrail/pkg/platform/audit"
)

// DefaultCompressionThreshold is the data size in bytes above which record
// data is compressed.
const DefaultCompressionThreshold = 1024

const compressionKey = "compression"

// Compressor gzips and base64-encodes record data above a size threshold.
// Only PreviousData and NewData are compressed; the indexed columns of a
// record always stay readable.
type Compressor struct {
	threshold int
	level     int
}

// NewCompressor creates a Compressor. A threshold of zero or less uses the
// default.
func NewCompressor(threshold int) *Compressor {
	if threshold <= 0 {
		threshold = DefaultCompressionThreshold
	}
	return &Compressor{threshold: threshold, level: gzip.BestSpeed}
}

// Compress compresses the data fields of rec in place and reports whether
// any field was compressed. On error rec is left unchanged.
func (c *Compressor) Compress(rec *audit.Record) (bool, error) {
	prev, prevDone, err := c.field(rec.PreviousData)
	if err != nil {
		return false, fmt.Errorf("compress previous data: %w", err)
	}
	next, nextDone, err := c.field(rec.NewData)
	if err != nil {
		return false, fmt.Errorf("compress new data: %w", err)
	}
	if !prevDone && !nextDone {
		return false, nil
	}

	var fields []string
	original := 0
	if prevDone {
		fields = append(fields, "previousData")
		original += len(rec.PreviousData)
		rec.PreviousData = prev
	}
	if nextDone {
		fields = append(fields, "newData")
		original += len(rec.NewData)
		rec.NewData = next
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	rec.Metadata[compressionKey] = map[string]any{
		"algorithm":    "gzip",
		"encoding":     "base64",
		"fields":       fields,
		"originalSize": original,
	}
	return true, nil
}

func (c *Compressor) field(data json.RawMessage) (json.RawMessage, bool, error) {
	if len(data) <= c.threshold {
		return data, false, nil
	}
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, false, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, false, err
	}
	if err := zw.Close(); err != nil {
		return nil, false, err
	}
	encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(buf.Bytes()))
	if err != nil {
		return nil, false, err
	}
	return encoded, true, nil
}

// Decompress reverses Compress for the fields listed in the record's
// compression metadata.
func Decompress(rec *audit.Record) error {
	meta, ok := rec.Metadata[compressionKey].(map[string]any)
	if !ok {
		return nil
	}
	for _, f := range compressedFields(meta["fields"]) {
		switch f {
		case "previousData":
			raw, err := inflate(rec.PreviousData)
			if err != nil {
				return fmt.Errorf("decompress previous data: %w", err)
			}
			rec.PreviousData = raw
		case "newData":
			raw, err := inflate(rec.NewData)
			if err != nil {
				return fmt.Errorf("decompress new data: %w", err)
			}
			rec.NewData = raw
		}
	}
	delete(rec.Metadata, compressionKey)
	return nil
}

// compressedFields accepts the field list as written ([]string) or as read
// back from JSON ([]any).
func compressedFields(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, f := range t {
			if s, ok := f.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func inflate(data json.RawMessage) (json.RawMessage, error) {
	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return nil, err
	}
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
