// Package chunker splits parsed document content into chunks, the
// second step of the indexing pipeline's per-file sub-pipeline
// (spec.md §4.3). Strategies are grounded on the teacher's
// pkg/ai/chunking.go FixedSizeChunker and HeadingChunker.
package chunker

import "strings"

// Chunk is one contiguous slice of a source file, carrying the
// boundary fields spec.md §4.3 requires for progress/identity.
type Chunk struct {
	Content    string
	Heading    string
	Index      int
	StartChar  int
	EndChar    int
	TotalCount int // filled in by the caller once the full set is known
}

// Strategy turns document text into chunks.
type Strategy interface {
	Chunk(text string) ([]Chunk, error)
	Name() string
}

// Options mirrors config.Collection's chunking fields.
type Options struct {
	ChunkSize    int
	ChunkOverlap int
	MinChunkSize int
}

// New selects a Strategy by name, defaulting to "heading" the way the
// teacher's ai.Service treats an unrecognized/empty strategy name.
func New(name string, opts Options) Strategy {
	switch name {
	case "fixed":
		return &fixedSizeChunker{opts: opts}
	case "heading":
		return &headingChunker{opts: opts}
	default:
		return &headingChunker{opts: opts}
	}
}

// fixedSizeChunker implements fixed-size window chunking with overlap,
// grounded on the teacher's FixedSizeChunker.Chunk.
type fixedSizeChunker struct{ opts Options }

func (c *fixedSizeChunker) Name() string { return "fixed" }

func (c *fixedSizeChunker) Chunk(text string) ([]Chunk, error) {
	if text == "" {
		return nil, nil
	}
	runes := []rune(text)
	textLen := len(runes)

	if textLen <= c.opts.ChunkSize {
		return []Chunk{{Content: text, Index: 0, StartChar: 0, EndChar: textLen}}, nil
	}

	var chunks []Chunk
	start := 0
	for start < textLen {
		end := start + c.opts.ChunkSize
		if end > textLen {
			end = textLen
		}
		content := string(runes[start:end])
		if len([]rune(content)) >= c.opts.MinChunkSize || end == textLen {
			chunks = append(chunks, Chunk{
				Content:   content,
				Index:     len(chunks),
				StartChar: start,
				EndChar:   end,
			})
		}

		next := end - c.opts.ChunkOverlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks, nil
}

// headingChunker splits at Markdown headings: consecutive sections are
// packed into one chunk up to ChunkSize, a section longer than
// ChunkSize is cut into ChunkSize-rune pieces, and each chunk records
// its owning heading in Chunk.Heading. Grounded on the teacher's
// HeadingChunker.
type headingChunker struct{ opts Options }

func (c *headingChunker) Name() string { return "heading" }

func (c *headingChunker) Chunk(text string) ([]Chunk, error) {
	if text == "" {
		return nil, nil
	}

	sections := splitByHeading(text)
	var result []Chunk
	var builder strings.Builder
	var heading string
	startOffset := 0

	flush := func() {
		content := builder.String()
		if len(strings.TrimSpace(content)) >= c.opts.MinChunkSize || len(result) == 0 {
			result = append(result, Chunk{
				Content:   content,
				Heading:   heading,
				Index:     len(result),
				StartChar: startOffset,
				EndChar:   startOffset + len(content),
			})
			startOffset += len(content)
		}
		builder.Reset()
	}

	for _, s := range sections {
		if s.heading != "" {
			heading = s.heading
		}
		if builder.Len()+len(s.body) > c.opts.ChunkSize && builder.Len() > 0 {
			flush()
		}
		runes := []rune(s.body)
		for c.opts.ChunkSize > 0 && len(runes) > c.opts.ChunkSize {
			builder.WriteString(string(runes[:c.opts.ChunkSize]))
			flush()
			runes = runes[c.opts.ChunkSize:]
		}
		builder.WriteString(string(runes))
	}
	if builder.Len() > 0 {
		flush()
	}
	return result, nil
}

type section struct {
	heading string
	body    string
}

// splitByHeading breaks text on lines starting with "#", attaching
// each heading to the section that follows it.
func splitByHeading(text string) []section {
	lines := strings.Split(text, "\n")
	var sections []section
	var currentHeading string
	var body strings.Builder

	flush := func() {
		if body.Len() > 0 {
			sections = append(sections, section{heading: currentHeading, body: body.String()})
			body.Reset()
		}
	}

	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			flush()
			currentHeading = strings.TrimSpace(line)
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	flush()
	return sections
}
