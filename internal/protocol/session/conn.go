package session

// Conn is the descriptor-level transport under a Session or Client. Send
// transmits one record from the given buffers; Recv reads one record.
// Recv returns (0, nil) when the peer has shut down.
type Conn interface {
	Fd() int
	Send(bufs [][]byte) error
	Recv(p []byte) (int, error)
	Close() error
}
