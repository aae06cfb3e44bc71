package tts

import (
	"strings"
	"unicode/utf8"
)

var sentenceEnders = []rune{'。', '！', '？', '；', '.', '!', '?', ';', '\n'}

// extractSentence 尝试从文本中提取第一个完整句子。
func extractSentence(text string) (string, string, bool) {
	for i, r := range text {
		for _, ender := range sentenceEnders {
			if r == ender {
				splitAt := i + utf8.RuneLen(r)
				return text[:splitAt], text[splitAt:], true
			}
		}
	}
	return "", text, false
}

// segment 将文本按句分割后合并为大段，每段不超过 maxChars 个字符。
// 单句超长时按空白处硬切。
func segment(text string, maxChars int) []string {
	if maxChars <= 0 {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
		currentLen = 0
	}
	add := func(s string) {
		n := utf8.RuneCountInString(s)
		if currentLen > 0 && currentLen+1+n > maxChars {
			flush()
		}
		if currentLen > 0 {
			current.WriteByte(' ')
			currentLen++
		}
		current.WriteString(s)
		currentLen += n
	}

	remaining := text
	for remaining != "" {
		sentence, rest, found := extractSentence(remaining)
		if !found {
			sentence, rest = remaining, ""
		}
		remaining = rest

		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		for _, piece := range splitLong(sentence, maxChars) {
			add(piece)
		}
	}
	flush()
	return chunks
}

// splitLong 把超过 maxChars 的句子按词切开。
func splitLong(sentence string, maxChars int) []string {
	if utf8.RuneCountInString(sentence) <= maxChars {
		return []string{sentence}
	}

	var out []string
	var b strings.Builder
	n := 0
	for _, word := range strings.Fields(sentence) {
		for utf8.RuneCountInString(word) > maxChars {
			if n > 0 {
				out = append(out, b.String())
				b.Reset()
				n = 0
			}
			r := []rune(word)
			out = append(out, string(r[:maxChars]))
			word = string(r[maxChars:])
		}
		wn := utf8.RuneCountInString(word)
		if wn == 0 {
			continue
		}
		if n > 0 && n+1+wn > maxChars {
			out = append(out, b.String())
			b.Reset()
			n = 0
		}
		if n > 0 {
			b.WriteByte(' ')
			n++
		}
		b.WriteString(word)
		n += wn
	}
	if n > 0 {
		out = append(out, b.String())
	}
	return out
}
