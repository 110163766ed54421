package transcript

import "strconv"

// DefaultSpeakerTag is used for tokens that carry no speaker tag.
const DefaultSpeakerTag = "0"

// SpeakerLabel pairs a raw tag with its assigned label.
type SpeakerLabel struct {
	Tag   string `json:"tag"`
	Label string `json:"label"`
}

// Resolver assigns stable display labels to raw speaker tags. The first tag
// seen becomes "Speaker 1", the next distinct one "Speaker 2", and so on.
// A tag keeps its label for the lifetime of the Resolver.
type Resolver struct {
	labels map[string]string
	order  []string
}

// NewResolver returns an empty Resolver.
func NewResolver() *Resolver {
	return &Resolver{labels: make(map[string]string)}
}

// LabelFor returns the label of tag, assigning the next one on first sight.
func (r *Resolver) LabelFor(tag string) string {
	if tag == "" {
		tag = DefaultSpeakerTag
	}
	if l, ok := r.labels[tag]; ok {
		return l
	}
	l := "Speaker " + strconv.Itoa(len(r.order)+1)
	r.labels[tag] = l
	r.order = append(r.order, tag)
	return l
}

// SpeakerCount returns the number of distinct tags seen.
func (r *Resolver) SpeakerCount() int { return len(r.order) }

// Labels returns the assignments in first-seen order.
func (r *Resolver) Labels() []SpeakerLabel {
	out := make([]SpeakerLabel, len(r.order))
	for i, tag := range r.order {
		out[i] = SpeakerLabel{Tag: tag, Label: r.labels[tag]}
	}
	return out
}

// Reset forgets every assignment.
func (r *Resolver) Reset() {
	clear(r.labels)
	r.order = r.order[:0]
}
