package parser

import (
	"fmt"
	"strings"

	"ezquery/internal/models"
)

// Split cuts text into chunks of at most maxSize characters. Each chunk after
// the first starts overlap characters before the end of the previous one, so
// neighbours share exactly overlap characters. Characters are runes.
// Splits ignore word boundaries.
func Split(text string, maxSize, overlap int) ([]models.Chunk, error) {
	if err := ValidateParams(maxSize, overlap); err != nil {
		return nil, err
	}
	if text == "" {
		return []models.Chunk{}, nil
	}

	runes := []rune(text)
	contentLen := len(runes)
	chunks := make([]models.Chunk, 0, contentLen/(maxSize-overlap)+1)

	start := 0
	for {
		end := min(start+maxSize, contentLen)
		chunks = append(chunks, models.Chunk{
			Content: string(runes[start:end]),
			Index:   len(chunks),
			Offset:  start,
		})
		if end == contentLen {
			break
		}
		start = end - overlap
	}

	return chunks, nil
}

// ValidateParams checks chunker parameters without splitting anything.
func ValidateParams(maxSize, overlap int) error {
	switch {
	case maxSize < 1:
		return models.Errorf(models.ErrConfiguration, "split", "chunk size must be positive, got %d", maxSize)
	case overlap < 0:
		return models.Errorf(models.ErrConfiguration, "split", "chunk overlap must not be negative, got %d", overlap)
	case overlap >= maxSize:
		return models.NewError(models.ErrConfiguration, "split",
			fmt.Errorf("chunk overlap (%d) must be smaller than chunk size (%d)", overlap, maxSize))
	}
	return nil
}

// Reassemble rebuilds the original text from chunks produced by Split with the
// same overlap: the first chunk as is, then every later chunk minus its
// leading overlap characters.
func Reassemble(chunks []models.Chunk, overlap int) string {
	var content strings.Builder
	for i, chunk := range chunks {
		if i == 0 {
			content.WriteString(chunk.Content)
			continue
		}
		runes := []rune(chunk.Content)
		if len(runes) > overlap {
			content.WriteString(string(runes[overlap:]))
		}
	}
	return content.String()
}
