package encoder

import (
	"bytes"
	"context"
	"fmt"

	"github.com/parquet-go/parquet-go"
)

const ParquetContentType = "application/vnd.apache.parquet"

type ParquetEncoder[iType any] struct {
	// Compression (optional): "", "snappy", "gzip", "zstd"
	Compression string
}

// NewParquetEncoder returns an encoder after checking the codec name.
func NewParquetEncoder[iType any](compression string) (ParquetEncoder[iType], error) {
	e := ParquetEncoder[iType]{Compression: compression}
	if _, err := e.writerOptions(); err != nil {
		return ParquetEncoder[iType]{}, err
	}
	return e, nil
}

func (e ParquetEncoder[iType]) FileExtension() string { return ".parquet" }

func (e ParquetEncoder[iType]) ContentType() string { return ParquetContentType }

func (e ParquetEncoder[iType]) writerOptions() ([]parquet.WriterOption, error) {
	switch e.Compression {
	case "", "none":
		return nil, nil
	case "snappy":
		return []parquet.WriterOption{parquet.Compression(&parquet.Snappy)}, nil
	case "gzip":
		return []parquet.WriterOption{parquet.Compression(&parquet.Gzip)}, nil
	case "zstd":
		return []parquet.WriterOption{parquet.Compression(&parquet.Zstd)}, nil
	default:
		return nil, fmt.Errorf("unsupported parquet compression: %q", e.Compression)
	}
}

func (e ParquetEncoder[iType]) Encode(ctx context.Context, items []iType) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	options, err := e.writerOptions()
	if err != nil {
		return nil, err
	}

	output := &bytes.Buffer{}
	w := parquet.NewGenericWriter[iType](output, options...)

	if _, err := w.Write(items); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return output.Bytes(), nil
}
