// Package extract turns uploaded files into plain text.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"hackthestudy/internal/domain"
	"hackthestudy/internal/infra/metrics"
)

// Extractor handles one file format.
type Extractor interface {
	Extract(ctx context.Context, data []byte) (string, error)
}

// Router picks an Extractor by file extension, falling back to content sniffing.
type Router struct {
	byExt  map[string]Extractor
	log    *zerolog.Logger
	sniffs []sniffer
}

type sniffer struct {
	format string
	match  func([]byte) bool
}

func NewRouter(logger *zerolog.Logger) *Router {
	l := logger.With().Str("component", "extract").Logger()
	pdf, docx, plain := NewPDF(), NewDOCX(), NewPlainText()
	return &Router{
		byExt: map[string]Extractor{
			".pdf":      pdf,
			".docx":     docx,
			".txt":      plain,
			".md":       plain,
			".markdown": plain,
			".csv":      plain,
			".text":     plain,
		},
		log: &l,
		sniffs: []sniffer{
			{".pdf", func(b []byte) bool { return bytes.HasPrefix(b, []byte("%PDF-")) }},
			{".docx", isDOCX},
		},
	}
}

// Register adds or overrides the extractor for an extension such as ".rtf".
func (r *Router) Register(ext string, e Extractor) {
	r.byExt[strings.ToLower(ext)] = e
}

// Extract implements adapter.TextExtractor.
func (r *Router) Extract(ctx context.Context, data []byte, fileName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	format := strings.ToLower(filepath.Ext(fileName))
	e, ok := r.byExt[format]
	if !ok {
		format, e = r.sniff(data)
	}
	if e == nil {
		metrics.IncExtraction("unknown", "unsupported")
		return "", fmt.Errorf("%w: %s", domain.ErrUnsupportedFormat, fileName)
	}

	text, err := e.Extract(ctx, data)
	if err != nil {
		metrics.IncExtraction(format, "error")
		r.log.Debug().Err(err).Str("file", fileName).Msg("extraction failed")
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, domain.ErrExtraction) || errors.Is(err, domain.ErrUnsupportedFormat) {
			return "", err
		}
		return "", fmt.Errorf("%w: %s: %w", domain.ErrExtraction, fileName, err)
	}
	metrics.IncExtraction(format, "ok")
	return text, nil
}

func (r *Router) sniff(data []byte) (string, Extractor) {
	for _, s := range r.sniffs {
		if s.match(data) {
			return s.format, r.byExt[s.format]
		}
	}
	return "", nil
}
