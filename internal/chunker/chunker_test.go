package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/contextive/ingest/internal/ingest"
)

func testDoc(id, title, content string) ingest.Document {
	return ingest.Document{
		ID:       id,
		SourceID: "src-1",
		Title:    title,
		URL:      "https://docs.example.com/" + id,
		Content:  content,
	}
}

func TestEngine_EmptyDocument(t *testing.T) {
	t.Parallel()
	e := New(Config{})

	res := e.ChunkDocument(testDoc("doc-empty", "Empty", "   \n\n  "))
	require.Empty(t, res.Chunks)
	require.Len(t, res.Warnings, 1)
	require.Contains(t, res.Warnings[0], "no content after preprocessing")
}

func TestEngine_TokenCeiling(t *testing.T) {
	t.Parallel()
	e := New(Config{})

	var sb strings.Builder
	sb.WriteString("# Guide\n\n")
	for i := 0; i < 400; i++ {
		sb.WriteString("The quick brown fox jumps over the lazy dog near the river bank today.\n")
	}

	res := e.ChunkDocument(testDoc("doc-long", "Guide", sb.String()))
	require.NotEmpty(t, res.Chunks)
	for _, c := range res.Chunks {
		if c.OversizedSplit {
			continue
		}
		require.LessOrEqual(t, c.TokenCount, e.Config().MaxTokens,
			"chunk %d exceeds the hard ceiling", c.Ordinal)
		require.True(t, c.Validated)
	}
}

func TestEngine_Deterministic(t *testing.T) {
	t.Parallel()
	e := New(Config{})

	content := "# Title\n\nSome intro paragraph with enough words to matter.\n\n" +
		"## Section\n\n" + strings.Repeat("Words repeated to fill several chunks of text here. ", 200)
	doc := testDoc("doc-det", "Title", content)

	first := e.ChunkDocument(doc)
	second := e.ChunkDocument(doc)

	require.Equal(t, len(first.Chunks), len(second.Chunks))
	for i := range first.Chunks {
		require.Equal(t, first.Chunks[i], second.Chunks[i], "chunk %d differs between runs", i)
	}
}

func TestEngine_TitleFallbackWhenNoHeaders(t *testing.T) {
	t.Parallel()
	e := New(Config{})

	res := e.ChunkDocument(testDoc("doc-plain", "Installation Guide",
		strings.Repeat("Plain text without any markdown headers at all in this page. ", 50)))
	require.NotEmpty(t, res.Chunks)
	for _, c := range res.Chunks {
		require.Equal(t, "Installation Guide", c.Headers.H1)
	}
}

func TestEngine_OversizedCodeBlock(t *testing.T) {
	t.Parallel()
	e := New(Config{})

	var sb strings.Builder
	sb.WriteString("# API Reference\n\n```go\n")
	// Roughly 1500 tokens of code with a 512 ceiling.
	for i := 0; i < 300; i++ {
		sb.WriteString("func handler(w http.ResponseWriter, r *http.Request) error\n")
	}
	sb.WriteString("```\n")

	res := e.ChunkDocument(testDoc("doc-code", "API Reference", sb.String()))

	var oversized int
	for _, c := range res.Chunks {
		if !c.OversizedSplit {
			continue
		}
		oversized++
		require.True(t, strings.HasPrefix(strings.TrimSpace(c.Content), "```"),
			"force-split slices keep the fence wrapper")
	}
	require.GreaterOrEqual(t, oversized, 3, "a ~1500 token block should split into at least 3 slices")
}

func TestEngine_CodeFenceAtomic(t *testing.T) {
	t.Parallel()
	e := New(Config{})

	content := "# Setup\n\nSome prose before the example.\n\n```bash\nexport FOO=bar\nmake build\n```\n\nProse after.\n"
	res := e.ChunkDocument(testDoc("doc-fence", "Setup", content))

	var found bool
	for _, c := range res.Chunks {
		opens := strings.Count(c.Content, "```")
		require.Zero(t, opens%2, "chunk %d holds an unbalanced fence", c.Ordinal)
		if strings.Contains(c.Content, "export FOO=bar") {
			found = true
			require.Contains(t, c.Content, "make build", "fenced block must stay in one chunk")
		}
	}
	require.True(t, found)
}

func TestEngine_UnclosedFenceFlagged(t *testing.T) {
	t.Parallel()
	e := New(Config{})

	content := "# Broken\n\n```python\nprint('never closed')\n\nMore text swallowed by the fence.\n"
	res := e.ChunkDocument(testDoc("doc-broken", "Broken", content))

	require.NotEmpty(t, res.Issues)
	var flagged bool
	for _, iss := range res.Issues {
		if strings.Contains(iss.Message, "unclosed code block") {
			flagged = true
			require.Equal(t, "doc-broken", iss.DocumentID)
		}
	}
	require.True(t, flagged)
}

func TestEngine_HeaderContext(t *testing.T) {
	t.Parallel()
	e := New(Config{})

	content := "# Top\n\nIntro.\n\n## Middle\n\nBody one.\n\n### Deep\n\nBody two.\n\n## Other\n\nBody three.\n"
	res := e.ChunkDocument(testDoc("doc-headers", "Top", content))
	require.NotEmpty(t, res.Chunks)

	// Small sections merge, but header context keeps the outermost titles.
	c := res.Chunks[0]
	require.Equal(t, "Top", c.Headers.H1)
}

func TestEngine_BoilerplateAndImagesStripped(t *testing.T) {
	t.Parallel()
	e := New(Config{})

	content := "Search...\n\nNavigation\n\n# Docs\n\n" +
		"![diagram](https://cdn.example.com/d.png)\n\n" +
		strings.Repeat("Useful sentence carrying real information for readers. ", 60)
	res := e.ChunkDocument(testDoc("doc-noise", "Docs", content))
	require.NotEmpty(t, res.Chunks)
	for _, c := range res.Chunks {
		require.NotContains(t, c.Content, "![diagram]")
		require.NotContains(t, c.Content, "Navigation")
	}
}

func TestEngine_OverlapApplied(t *testing.T) {
	t.Parallel()
	e := New(Config{})

	var sb strings.Builder
	sb.WriteString("# Long\n\n")
	for i := 0; i < 300; i++ {
		sb.WriteString("Sentence number content words filling space across the page body.\n")
	}
	res := e.ChunkDocument(testDoc("doc-overlap", "Long", sb.String()))
	require.Greater(t, len(res.Chunks), 1)

	var overlapped int
	for i := 1; i < len(res.Chunks); i++ {
		if res.Chunks[i].OverlapFromPrev {
			overlapped++
			require.LessOrEqual(t, res.Chunks[i].TokenCount, e.Config().MaxTokens)
		}
	}
	require.Greater(t, overlapped, 0, "expected at least one chunk to carry overlap")
}

func TestEngine_MergeUndersized(t *testing.T) {
	t.Parallel()
	e := New(Config{})

	// Several tiny sections should fold together rather than producing runts.
	content := "# A\n\nshort.\n\n## B\n\nalso short.\n\n## C\n\ntiny.\n"
	res := e.ChunkDocument(testDoc("doc-tiny", "A", content))
	require.Len(t, res.Chunks, 1)
	require.Contains(t, res.Chunks[0].Content, "short.")
	require.Contains(t, res.Chunks[0].Content, "tiny.")
}

func TestEngine_OrdinalsSequential(t *testing.T) {
	t.Parallel()
	e := New(Config{})

	var sb strings.Builder
	for i := 0; i < 250; i++ {
		sb.WriteString("Filler words to grow the document beyond one chunk in total size.\n")
	}
	docs := []ingest.Document{
		testDoc("doc-a", "A", sb.String()),
		testDoc("doc-b", "B", sb.String()),
	}
	res := e.ChunkDocuments(docs)
	require.NotEmpty(t, res.Chunks)

	next := map[string]int{}
	for _, c := range res.Chunks {
		require.Equal(t, next[c.DocumentID], c.Ordinal, "ordinals restart per document and increase by one")
		next[c.DocumentID]++
		require.Empty(t, c.ID, "engine leaves chunk IDs for the caller to assign")
	}
	require.Greater(t, next["doc-a"], 1)
	require.Greater(t, next["doc-b"], 1)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Config{}.Validate())
	require.Error(t, Config{SoftTokenLimit: 600, MaxTokens: 512}.Validate())
	require.Error(t, Config{MinChunkSize: 512, MaxTokens: 512}.Validate())
	require.Error(t, Config{OverlapPercentage: 1.5}.Validate())
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	require.Zero(t, EstimateTokens(""))
	require.Equal(t, 1, EstimateTokens("word"))
	// 8-rune word costs two tokens.
	require.Equal(t, 2, EstimateTokens("handlers"))
	require.Greater(t, EstimateTokens("one two three four five"), 4)
}

// stripOverlap removes the prefix that applyOverlap copied from the previous
// chunk, recovering the chunk's own content.
func stripOverlap(t *testing.T, prev, curr string) string {
	t.Helper()
	for i := 0; i < len(prev); i++ {
		if rest, ok := strings.CutPrefix(curr, prev[i:]+"\n"); ok {
			return rest
		}
	}
	t.Fatalf("no overlap prefix recovered from previous chunk")
	return ""
}

func TestEngine_ChunksReconstructDocument(t *testing.T) {
	t.Parallel()
	e := New(Config{
		MaxTokens:         80,
		SoftTokenLimit:    50,
		MinChunkSize:      1,
		OverlapPercentage: 0.1,
		MinOverlapTokens:  5,
		MaxOverlapTokens:  10,
	})

	var body strings.Builder
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&body, "Sentence number %04d explains one unique detail of the system.\n", i)
	}
	res := e.ChunkDocument(testDoc("doc-rt", "Guide", "# Guide\n\n"+body.String()))

	require.Empty(t, res.Issues)
	require.Greater(t, len(res.Chunks), 2)
	require.False(t, res.Chunks[0].OverlapFromPrev)

	var rebuilt strings.Builder
	for i, c := range res.Chunks {
		require.Equal(t, "Guide", c.Headers.H1)
		content := c.Content
		if c.OverlapFromPrev {
			content = stripOverlap(t, res.Chunks[i-1].Content, content)
		}
		rebuilt.WriteString(content)
	}

	// The header line becomes chunk header context; everything under it
	// survives chunking byte for byte once the overlap is peeled off.
	require.Equal(t, body.String(), rebuilt.String())
}
