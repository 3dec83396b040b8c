package ingest

// State is the protocol state of a ConnectionHandler. States only move
// forward; Disconnecting is terminal.
type State int32

const (
	Accepting       State = iota // Waiting for a peer and the first header bytes
	ReceivingHeader              // Header only partially received
	ReceivingValues              // Streaming record batches
	Disconnecting                // Disconnect posted; handler is about to be replaced
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Accepting:
		return "Accepting"
	case ReceivingHeader:
		return "ReceivingHeader"
	case ReceivingValues:
		return "ReceivingValues"
	case Disconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// TransitionFunc observes every state change of every handler. It is called
// on the completion worker that caused the change and must not block.
type TransitionFunc func(handle SocketHandle, from, to State)
