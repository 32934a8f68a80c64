package wire

import (
	"bytes"
	"encoding/json"
)

// Splitter separates frames from free-form text in a guest's stderr stream.
// Input may arrive in arbitrary chunks; a frame split across writes is held
// until its suffix arrives.
type Splitter struct {
	buf bytes.Buffer
}

// Feed appends data and returns the complete frames and the text that
// preceded, separated or followed them. Malformed frames are reported as
// errors in bad and otherwise dropped.
func (s *Splitter) Feed(data []byte) (frames []Frame, text []byte, bad []error) {
	s.buf.Write(data)

	prefix := []byte(FramePrefix)
	suffix := []byte(FrameSuffix)

	for {
		content := s.buf.Bytes()
		start := bytes.Index(content, prefix)
		if start == -1 {
			// Hold back a trailing partial prefix.
			keep := partialSuffix(content, prefix)
			text = append(text, content[:len(content)-keep]...)
			rest := append([]byte(nil), content[len(content)-keep:]...)
			s.buf.Reset()
			s.buf.Write(rest)
			return frames, text, bad
		}

		text = append(text, content[:start]...)

		body := content[start+len(prefix):]
		end := bytes.Index(body, suffix)
		if end == -1 {
			rest := append([]byte(nil), content[start:]...)
			s.buf.Reset()
			s.buf.Write(rest)
			return frames, text, bad
		}

		var f Frame
		if err := json.Unmarshal(body[:end], &f); err != nil {
			bad = append(bad, err)
		} else {
			frames = append(frames, f)
		}

		rest := append([]byte(nil), body[end+len(suffix):]...)
		s.buf.Reset()
		s.buf.Write(rest)
	}
}

// partialSuffix reports how many trailing bytes of content could be the
// start of prefix.
func partialSuffix(content, prefix []byte) int {
	limit := min(len(prefix)-1, len(content))
	for n := limit; n > 0; n-- {
		if bytes.Equal(content[len(content)-n:], prefix[:n]) {
			return n
		}
	}
	return 0
}
