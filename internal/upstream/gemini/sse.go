package gemini

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"gemchat-go/internal/constants"
	"github.com/tidwall/gjson"
)

// Chunk is one parsed SSE event from a streaming generation.
type Chunk struct {
	// Text is the concatenated text of the first candidate's parts.
	Text string
	// FinishReason is non-empty on the final content chunk, e.g. "STOP".
	FinishReason string
	// Raw is the unmodified JSON payload of the event.
	Raw []byte
}

var dataPrefix = []byte("data:")

// ScanStream reads SSE events from body and calls emit for each data
// chunk. It returns nil when the stream ends normally. An error from
// emit aborts the scan and is returned verbatim, which is how a
// cancelled session stops the pump between chunks.
func ScanStream(body io.Reader, emit func(Chunk) error) error {
	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, constants.SSEScannerInitialBufferSize)
	scanner.Buffer(buf, constants.SSEScannerMaxBufferSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		data := bytes.TrimSpace(line[len(dataPrefix):])
		if len(data) == 0 || bytes.EqualFold(data, []byte("[DONE]")) {
			continue
		}
		if err := emit(ParseChunk(data)); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ParseChunk extracts the candidate text and finish reason from one SSE
// data payload. The raw bytes are copied because the scanner reuses its
// buffer.
func ParseChunk(data []byte) Chunk {
	raw := make([]byte, len(data))
	copy(raw, data)

	chunk := Chunk{Raw: raw}
	candidate := gjson.GetBytes(raw, "candidates.0")
	if !candidate.Exists() {
		return chunk
	}
	if parts := candidate.Get("content.parts"); parts.Exists() {
		var b strings.Builder
		parts.ForEach(func(_, part gjson.Result) bool {
			b.WriteString(part.Get("text").String())
			return true
		})
		chunk.Text = b.String()
	}
	chunk.FinishReason = candidate.Get("finishReason").String()
	return chunk
}

// ExtractText returns the concatenated candidate text from a complete
// (non-streaming) generateContent response body.
func ExtractText(body []byte) string {
	var b strings.Builder
	gjson.GetBytes(body, "candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		b.WriteString(part.Get("text").String())
		return true
	})
	return b.String()
}
