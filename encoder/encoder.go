package encoder

import (
	"context"
)

// Encoder turns a batch of records into a single object payload.
type Encoder[iType any] interface {
	Encode(ctx context.Context, items []iType) (data []byte, err error)
	FileExtension() string
	ContentType() string
}
