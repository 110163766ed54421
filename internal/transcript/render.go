package transcript

import "strings"

// Format renders segments as "Speaker N: text" lines. Segments with no
// visible text are skipped.
func Format(segments []Segment) string {
	var b strings.Builder
	for _, s := range segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(s.Speaker)
		b.WriteString(": ")
		b.WriteString(text)
	}
	return b.String()
}
