package analysis

import (
	"strings"
	"unicode"
)

// CJK emits overlapping bigrams for runs of Han, Hiragana, Katakana and
// Hangul characters, and lower-cased words for everything else. A lone CJK
// character between non-CJK text is emitted as a unigram.
func CJK(text string) []Token {
	var (
		tokens []Token
		run    []rune
		word   strings.Builder
		pos    int
	)
	emit := func(term string) {
		tokens = append(tokens, Token{Term: term, Position: pos})
		pos++
	}
	flushRun := func() {
		switch len(run) {
		case 0:
		case 1:
			emit(string(run))
		default:
			for i := 0; i+1 < len(run); i++ {
				emit(string(run[i : i+2]))
			}
		}
		run = run[:0]
	}
	flushWord := func() {
		if word.Len() > 0 {
			emit(word.String())
			word.Reset()
		}
	}

	for _, r := range text {
		switch {
		case isCJK(r):
			flushWord()
			run = append(run, r)
		case isWordRune(r):
			flushRun()
			word.WriteRune(unicode.ToLower(r))
		default:
			flushRun()
			flushWord()
		}
	}
	flushRun()
	flushWord()
	return tokens
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}
