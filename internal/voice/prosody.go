package voice

import "strings"

const (
	segmentFirstMin = 24
	segmentNextMin  = 42
	segmentWindow   = 44
)

// segmenter cuts streamed LLM text into speakable chunks so TTS can start on
// the first clause instead of the whole reply. The first chunk is allowed to
// be shorter to get audio out sooner.
type segmenter struct {
	buf     string
	emitted bool
}

// Push appends a delta and returns the chunks that became complete.
func (s *segmenter) Push(delta string) []string {
	if strings.TrimSpace(delta) == "" && s.buf == "" {
		return nil
	}
	s.buf += delta
	return s.drain(false)
}

// Finalize returns whatever text is left.
func (s *segmenter) Finalize() []string {
	return s.drain(true)
}

func (s *segmenter) drain(force bool) []string {
	var out []string
	for s.buf != "" {
		min := segmentNextMin
		if !s.emitted {
			min = segmentFirstMin
		}
		cut := len(s.buf)
		if !force {
			cut = cutIndex(s.buf, min)
			if cut <= 0 {
				break
			}
		}
		chunk := strings.Join(strings.Fields(s.buf[:cut]), " ")
		s.buf = s.buf[cut:]
		if chunk == "" {
			continue
		}
		s.emitted = true
		out = append(out, chunk)
	}
	return out
}

// cutIndex returns the end offset of the next chunk, or 0 when more text is
// needed. Commas win over sentence punctuation, which wins over whitespace.
func cutIndex(text string, min int) int {
	if len(text) < min {
		return 0
	}
	if i := strings.IndexByte(text[min-1:], ','); i >= 0 {
		return min + i
	}
	if i := strings.IndexAny(text[min-1:], ".!?;:\n"); i >= 0 {
		return min + i
	}
	if len(text) == min {
		return min
	}
	limit := min + segmentWindow
	if limit > len(text) {
		limit = len(text)
	}
	if i := strings.IndexAny(text[min:limit], " \t\r\n"); i >= 0 {
		return min + i
	}
	return min
}
