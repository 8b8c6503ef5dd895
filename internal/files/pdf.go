package files

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"github.com/quarry-lab/conductor/internal/store"
)

const (
	chunkRunes   = 1800
	overlapRunes = 200
)

// indexPDF runs detached from the upload request: extraction and vector
// writes should not hold the caller's context.
func (s *Service) indexPDF(userID string, meta store.FileMeta, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), indexTimeout)
	defer cancel()

	text, err := ExtractPDFText(data)
	if err != nil {
		s.logger.Warn("pdf extraction failed",
			zap.String("file_id", meta.FileID), zap.Error(err))
		return
	}
	chunks := ChunkText(text, chunkRunes, overlapRunes)
	if len(chunks) == 0 {
		return
	}

	vectorIDs, err := s.indexer.Index(ctx, userID, meta, chunks)
	if err != nil {
		s.logger.Warn("pdf indexing failed",
			zap.String("file_id", meta.FileID), zap.Error(err))
		return
	}

	meta.Indexed = true
	meta.VectorIDs = vectorIDs
	if err := s.st.UpdateFileMeta(ctx, userID, meta); err != nil {
		s.logger.Warn("index flag update failed",
			zap.String("file_id", meta.FileID), zap.Error(err))
		return
	}
	s.logger.Info("pdf indexed",
		zap.String("file_id", meta.FileID),
		zap.Int("chunks", len(chunks)),
		zap.Duration("elapsed", time.Since(meta.UploadedAt)))
}

// ExtractPDFText pulls plain text out of a PDF, page by page. Unreadable
// pages are skipped rather than failing the whole document.
func ExtractPDFText(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty pdf")
	}
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}
	return strings.TrimSpace(text.String()), nil
}

// ChunkText splits text into overlapping rune windows. Text that fits in one
// chunk comes back as a single element.
func ChunkText(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	step := size - overlap
	if step <= 0 {
		step = size / 2
	}
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}
