package gemini

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleStream = `data: {"candidates":[{"content":{"parts":[{"text":"Hello"}]}}]}

data: {"candidates":[{"content":{"parts":[{"text":", "},{"text":"world"}]}}]}

: keep-alive comment

data: {"candidates":[{"content":{"parts":[{"text":"!"}]},"finishReason":"STOP"}],"usageMetadata":{"totalTokenCount":12}}

data: [DONE]
`

func TestScanStreamParsesChunks(t *testing.T) {
	var chunks []Chunk
	err := ScanStream(strings.NewReader(sampleStream), func(c Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	require.Equal(t, "Hello", chunks[0].Text)
	require.Equal(t, ", world", chunks[1].Text)
	require.Equal(t, "!", chunks[2].Text)
	require.Equal(t, "STOP", chunks[2].FinishReason)
	require.Empty(t, chunks[0].FinishReason)
}

func TestScanStreamEmitErrorAborts(t *testing.T) {
	abort := errors.New("stop now")
	count := 0
	err := ScanStream(strings.NewReader(sampleStream), func(c Chunk) error {
		count++
		return abort
	})
	require.ErrorIs(t, err, abort)
	require.Equal(t, 1, count)
}

func TestScanStreamRawIsStable(t *testing.T) {
	var raws [][]byte
	err := ScanStream(strings.NewReader(sampleStream), func(c Chunk) error {
		raws = append(raws, c.Raw)
		return nil
	})
	require.NoError(t, err)
	// Raw buffers must not alias the scanner's internal buffer.
	require.Contains(t, string(raws[0]), "Hello")
	require.Contains(t, string(raws[1]), "world")
}

func TestExtractText(t *testing.T) {
	body := []byte(`{"candidates":[{"content":{"parts":[{"text":"foo"},{"text":"bar"}]},"finishReason":"STOP"}]}`)
	require.Equal(t, "foobar", ExtractText(body))
	require.Empty(t, ExtractText([]byte(`{}`)))
}
