package tts

import (
	"errors"
	"strings"
	"unicode"
)

var (
	// ErrSynthesis 语音合成失败。
	ErrSynthesis = errors.New("语音合成失败")
	// ErrEmptyText 清洗后文本为空。
	ErrEmptyText = errors.New("文本为空")
)

// allowedPunct 是清洗后保留的标点。
const allowedPunct = ".,!?;:'\"-()"

// Sanitize 截断到 maxLen 个字符，把字母、数字、空白和常用标点以外的字符替换为空格，
// 再合并连续空白。maxLen <= 0 表示不截断。
func Sanitize(text string, maxLen int) (string, error) {
	runes := []rune(text)
	if maxLen > 0 && len(runes) > maxLen {
		runes = runes[:maxLen]
	}

	for i, r := range runes {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsSpace(r):
		case strings.ContainsRune(allowedPunct, r):
		default:
			runes[i] = ' '
		}
	}

	clean := strings.Join(strings.Fields(string(runes)), " ")
	if clean == "" {
		return "", ErrEmptyText
	}
	return clean, nil
}
