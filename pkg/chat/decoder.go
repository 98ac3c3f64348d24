package chat

import (
	"strings"
	"unicode/utf8"
)

// utf8Decoder turns a byte stream into text chunks. A multi-byte rune split across
// reads is held back until its remaining bytes arrive.
type utf8Decoder struct {
	pending []byte
}

func (d *utf8Decoder) Decode(p []byte) string {
	data := append(d.pending, p...)
	cut := len(data)
	for i := len(data) - 1; i >= 0 && i > len(data)-utf8.UTFMax; i-- {
		if data[i] < utf8.RuneSelf {
			break
		}
		if utf8.RuneStart(data[i]) {
			if !utf8.FullRune(data[i:]) {
				cut = i
			}
			break
		}
	}
	d.pending = append([]byte(nil), data[cut:]...)
	return strings.ToValidUTF8(string(data[:cut]), string(utf8.RuneError))
}

// Flush returns whatever is still pending, with invalid bytes replaced.
func (d *utf8Decoder) Flush() string {
	if len(d.pending) == 0 {
		return ""
	}
	ret := strings.ToValidUTF8(string(d.pending), string(utf8.RuneError))
	d.pending = nil
	return ret
}
