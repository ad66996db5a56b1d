package markup

// Update is one streamed token, optionally carrying the authoritative
// cumulative content of the whole message.
type Update struct {
	Token             string
	CumulativeContent *string
}

// Builder maintains ParsedContent for text that grows token by token. After
// every call the result equals Parse of the accumulated text.
type Builder struct {
	buf       []byte
	committed []Block
	plains    []string
	offset    int
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Reset discards all text and committed blocks.
func (b *Builder) Reset() {
	b.buf = b.buf[:0]
	b.committed = nil
	b.plains = nil
	b.offset = 0
}

// Text returns the accumulated text.
func (b *Builder) Text() string {
	return string(b.buf)
}

func (b *Builder) AppendToken(token string) ParsedContent {
	b.buf = append(b.buf, token...)
	return b.refresh()
}

// Resync replaces the accumulated text with full. When full extends the
// current text the committed blocks are kept.
func (b *Builder) Resync(full string) ParsedContent {
	if len(full) >= len(b.buf) && full[:len(b.buf)] == string(b.buf) {
		b.buf = append(b.buf, full[len(b.buf):]...)
		return b.refresh()
	}
	b.Reset()
	b.buf = append(b.buf, full...)
	return b.refresh()
}

// Append applies u: cumulative content wins over the token when present.
func (b *Builder) Append(u Update) ParsedContent {
	if u.CumulativeContent != nil {
		return b.Resync(*u.CumulativeContent)
	}
	return b.AppendToken(u.Token)
}

// Content returns the current parse without changing state.
func (b *Builder) Content() ParsedContent {
	return b.refresh()
}

func (b *Builder) refresh() ParsedContent {
	parsed := parseBlocks(string(b.buf[b.offset:]))
	k := 0
	for k < len(parsed) && parsed[k].final {
		k++
	}
	for _, pb := range parsed[:k] {
		b.committed = append(b.committed, pb.block)
		b.plains = append(b.plains, plainOf(pb.block))
	}
	if k > 0 {
		b.offset += parsed[k-1].end
	}

	var blocks []Block
	blocks = append(blocks, b.committed...)
	for _, pb := range parsed[k:] {
		blocks = append(blocks, pb.block)
	}
	return assemble(blocks, b.plains)
}
