package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndChunkGoHelloWorld(t *testing.T) {
	p := NewParser(1024, 50)
	content := []byte(`package main

import "fmt"

func helloWorldWithALongEnoughBodyToClearTheMinimumTokenThreshold() {
	fmt.Println("hi")
	fmt.Println("hi")
	fmt.Println("hi")
	fmt.Println("hi")
	fmt.Println("hi")
	fmt.Println("hi")
	fmt.Println("hi")
	fmt.Println("hi")
}
`)
	lang, ex, err := p.ParseFile("main.go", content)
	require.NoError(t, err)
	assert.Equal(t, "go", lang)
	require.Len(t, ex.Functions, 1)

	chunks := p.Chunks("cb-1", "main.go", lang, content, ex)
	var fnChunk *Chunk
	for i := range chunks {
		if chunks[i].Kind == ChunkFunction {
			fnChunk = &chunks[i]
		}
	}
	require.NotNil(t, fnChunk)
	assert.Equal(t, "helloWorldWithALongEnoughBodyToClearTheMinimumTokenThreshold", fnChunk.Name)
	assert.Equal(t, "cb-1", fnChunk.CodebaseID)
}

func TestChunksDropsShortFunctions(t *testing.T) {
	p := NewParser(1024, 50)
	ex := extraction{
		Functions: []semanticNode{
			{Name: "tiny", LineStart: 1, LineEnd: 1},
		},
	}
	chunks := p.Chunks("cb-1", "f.py", "python", []byte("def tiny(): pass"), ex)
	assert.Empty(t, chunks)
}

func TestChunksKeepsLongEnoughFunction(t *testing.T) {
	p := NewParser(1024, 10)
	body := "def f():\n    " + strings.Repeat("x = 1\n    ", 10) + "return x"
	lines := strings.Split(body, "\n")
	ex := extraction{
		Functions: []semanticNode{
			{Name: "f", LineStart: 1, LineEnd: len(lines)},
		},
	}
	chunks := p.Chunks("cb-1", "f.py", "python", []byte(body), ex)
	require.Len(t, chunks, 1)
	assert.Equal(t, ChunkFunction, chunks[0].Kind)
	assert.Equal(t, "f", chunks[0].Name)
}

func TestChunksTruncatesOversizeClass(t *testing.T) {
	p := NewParser(10, 50)
	var b strings.Builder
	b.WriteString("class Big:\n")
	for i := 0; i < 200; i++ {
		b.WriteString("    def method(self): pass\n")
	}
	body := b.String()
	lines := strings.Split(body, "\n")
	ex := extraction{
		Classes: []semanticNode{
			{Name: "Big", LineStart: 1, LineEnd: len(lines)},
		},
	}
	chunks := p.Chunks("cb-1", "big.py", "python", []byte(body), ex)
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Truncated)
	assert.Contains(t, chunks[0].Content, "(truncated)")
	assert.Less(t, chunks[0].LineEnd, len(lines))
}

func TestChunksCollapseImportsIntoOneSpan(t *testing.T) {
	p := NewParser(1024, 50)
	body := "import os\nimport sys\n\nx = 1\n"
	ex := extraction{ImportLines: []int{1, 2}}
	chunks := p.Chunks("cb-1", "f.py", "python", []byte(body), ex)
	require.Len(t, chunks, 1)
	assert.Equal(t, ChunkImport, chunks[0].Kind)
	assert.Equal(t, 1, chunks[0].LineStart)
	assert.Equal(t, 2, chunks[0].LineEnd)
}

func TestComplexityIsFunctionsPlusTwiceClasses(t *testing.T) {
	p := NewParser(1024, 1)
	ex := extraction{
		Functions: []semanticNode{
			{Name: "f1", LineStart: 1, LineEnd: 5},
		},
		Classes: []semanticNode{
			{Name: "C1", LineStart: 10, LineEnd: 20},
		},
	}
	content := []byte(strings.Repeat("line\n", 25))
	chunks := p.Chunks("cb-1", "f.go", "go", content, ex)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.Equal(t, 3, c.Complexity)
	}
}

func TestDetectLanguageByExtension(t *testing.T) {
	cases := map[string]string{
		"main.go":    "go",
		"app.py":     "python",
		"index.ts":   "typescript",
		"widget.tsx": "typescript",
		"lib.rs":     "rust",
		"Main.java":  "java",
		"a.cpp":      "cpp",
		"readme.md":  "",
	}
	for path, want := range cases {
		assert.Equal(t, want, DetectLanguage(path), path)
	}
}
