package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"hackthestudy/internal/domain"
	"hackthestudy/internal/domain/model"
	"hackthestudy/internal/domain/ports/adapter"
	"hackthestudy/internal/domain/ports/repository"
)

// ExtractionStage extracts every uploaded file of a session and merges the
// usable text. A failing file is recorded and skipped.
type ExtractionStage struct {
	extractor adapter.TextExtractor
	sessions  repository.SessionRepository
	log       *zerolog.Logger
}

func NewExtractionStage(extractor adapter.TextExtractor, sessions repository.SessionRepository, logger *zerolog.Logger) *ExtractionStage {
	return &ExtractionStage{extractor: extractor, sessions: sessions, log: logger}
}

// Run returns the merged document, or domain.ErrNoContentExtracted when no
// file yields text.
func (s *ExtractionStage) Run(ctx context.Context, sessionID string) (string, error) {
	files, err := s.sessions.ListFiles(ctx, repository.NoTX, sessionID)
	if err != nil {
		return "", fmt.Errorf("list files: %w", err)
	}

	parts := make([]string, 0, len(files))
	for _, f := range files {
		text, status, reason := s.extractOne(ctx, f)
		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}
		if err := s.sessions.UpdateFileStatus(ctx, repository.NoTX, f.ID, status, reason); err != nil {
			return "", fmt.Errorf("update file status: %w", err)
		}
		if status != model.ExtractionOK {
			s.log.Warn().Str("session_id", sessionID).Str("file", f.Name).
				Str("status", string(status)).Str("reason", reason).Msg("file skipped")
			continue
		}
		parts = append(parts, fmt.Sprintf("## %s\n\n%s", f.Name, text))
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("%w: %d file(s) yielded no usable text", domain.ErrNoContentExtracted, len(files))
	}
	merged := strings.Join(parts, "\n\n")
	if err := s.sessions.SaveMergedText(ctx, repository.NoTX, sessionID, merged); err != nil {
		return "", fmt.Errorf("save merged text: %w", err)
	}
	return merged, nil
}

func (s *ExtractionStage) extractOne(ctx context.Context, f *model.UploadedFile) (string, model.ExtractionStatus, string) {
	text, err := s.extractor.Extract(ctx, f.Content, f.Name)
	switch {
	case errors.Is(err, domain.ErrUnsupportedFormat):
		return "", model.ExtractionSkipped, err.Error()
	case err != nil:
		return "", model.ExtractionError, err.Error()
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", model.ExtractionSkipped, "empty text"
	}
	return text, model.ExtractionOK, ""
}
