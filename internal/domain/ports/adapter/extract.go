package adapter

import "context"

// TextExtractor turns one uploaded file into plain text. A failure affects
// only that file.
type TextExtractor interface {
	Extract(ctx context.Context, data []byte, fileName string) (string, error)
}
