package constants

const (
	// SSEScannerInitialBufferSize defines the initial buffer for SSE scanners (64KB).
	SSEScannerInitialBufferSize = 64 * 1024
	// SSEScannerMaxBufferSize defines the max buffer size for SSE scanners (4MB).
	SSEScannerMaxBufferSize = 4 * 1024 * 1024

	// StreamChunkBuffer is the channel depth between the SSE reader goroutine
	// and the consumer of a stream session.
	StreamChunkBuffer = 32
)
