// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"unicode/utf8"

	"github.com/mmeshcher/somatic-system/internal/model"
)

const (
	maxNotesLength = 5000
	minMoodRating  = 1
	maxMoodRating  = 10
)

// ErrMissingResponse возвращается при пустом или некорректном содержимом
// заполненного листа.
var ErrMissingResponse = errors.New("missing or malformed worksheet response")

// IsValidSeqIndex сообщает, является ли значение корректной позицией листа.
func IsValidSeqIndex(seqIndex int) bool {
	return seqIndex >= 1
}

// ValidateCompletionPayload проверяет содержимое заполненного листа:
// непустой упорядоченный список ответов, заметки не длиннее 5000 символов,
// оценка настроения в диапазоне 1..10.
func ValidateCompletionPayload(p model.CompletionPayload) error {
	if len(p.Responses) == 0 {
		return ErrMissingResponse
	}

	for _, resp := range p.Responses {
		if resp.PromptID == "" || resp.Value == nil {
			return ErrMissingResponse
		}
		switch resp.Value.(type) {
		case string, float64, int, bool:
		default:
			return ErrMissingResponse
		}
	}

	if utf8.RuneCountInString(p.Notes) > maxNotesLength {
		return ErrMissingResponse
	}

	if p.MoodRating != nil && (*p.MoodRating < minMoodRating || *p.MoodRating > maxMoodRating) {
		return ErrMissingResponse
	}

	return nil
}
