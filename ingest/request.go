package ingest

import (
	"net"
	"time"
)

type opKind uint8

const (
	opAccept opKind = iota + 1
	opReceive
	opDisconnect
)

func (k opKind) String() string {
	switch k {
	case opAccept:
		return "accept"
	case opReceive:
		return "receive"
	case opDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// operation is the inline slot shared by every request kind: a view over the
// owner's buffer plus the completion bookkeeping. The kind, handle and socket
// are fixed at construction; everything else is reset by Clear.
type operation struct {
	kind   opKind
	handle SocketHandle
	sock   *socket

	buf         []byte
	requested   int
	transferred int
	result      Result
	err         error
}

// Clear resets the bookkeeping in place so the slot can be reissued.
func (o *operation) Clear() {
	o.buf = nil
	o.requested = 0
	o.transferred = 0
	o.result = Success
	o.err = nil
}

// prepare points the slot at buf; requested becomes len(buf).
func (o *operation) prepare(buf []byte) {
	o.buf = buf
	o.requested = len(buf)
}

// finish records the outcome of the I/O call. Any transferred bytes make the
// completion a success; the error, if any, resurfaces on the next call. A
// zero-byte read without error is a graceful close by the peer.
func (o *operation) finish(n int, err error) {
	o.transferred = n
	o.err = err

	switch {
	case n > 0:
		o.result = Success
	case err != nil:
		o.result = ClassifyError(err)
	case o.requested > 0:
		o.result = RemoteDisconnect
	default:
		o.result = Success
	}
}

// Handle implements iocontext.Operation.
func (o *operation) Handle() uint32 { return o.handle }

// Result returns the outcome of the last completion.
func (o *operation) Result() Result { return o.result }

// Err returns the raw error of the last completion, if any.
func (o *operation) Err() error { return o.err }

// BytesRequested returns the size of the range the operation was posted for.
func (o *operation) BytesRequested() int { return o.requested }

// BytesTransferred returns how many bytes the last completion delivered.
func (o *operation) BytesTransferred() int { return o.transferred }

// AcceptRequest accepts one connection into its handler's socket slot and
// reads up to the header size from it in the same operation.
type AcceptRequest struct {
	operation
	ln       net.Listener
	owner    *Listener
	timeout  time.Duration
	accepted bool
}

// Clear implements the in-place reset for the accept slot.
func (r *AcceptRequest) Clear() {
	r.operation.Clear()
	r.accepted = false
}

// Accepted reports whether the accept produced a connection, even if the
// header pre-read that followed failed.
func (r *AcceptRequest) Accepted() bool { return r.accepted }

// Execute implements iocontext.Operation.
func (r *AcceptRequest) Execute() {
	conn, err := r.ln.Accept()
	if err != nil {
		r.finish(0, err)
		return
	}

	if !r.sock.attach(conn) {
		r.finish(0, net.ErrClosed)
		return
	}

	r.accepted = true
	r.sock.setReadDeadline(conn, r.timeout)
	n, err := conn.Read(r.buf)
	r.finish(n, err)
}

// Complete implements iocontext.Operation.
func (r *AcceptRequest) Complete() {
	r.owner.HandleAcceptCompleted(r)
}

// ReceiveRequest reads once into the remaining range of the unit being
// received.
type ReceiveRequest struct {
	operation
	handler *ConnectionHandler
	timeout time.Duration
}

// Execute implements iocontext.Operation.
func (r *ReceiveRequest) Execute() {
	conn := r.sock.Conn()
	if conn == nil {
		r.finish(0, net.ErrClosed)
		return
	}

	r.sock.setReadDeadline(conn, r.timeout)
	n, err := conn.Read(r.buf)
	r.finish(n, err)
}

// Complete implements iocontext.Operation.
func (r *ReceiveRequest) Complete() {
	r.handler.HandleReceiveCompleted(r)
}

// DisconnectRequest gracefully closes the handler's connection.
type DisconnectRequest struct {
	operation
	handler *ConnectionHandler
}

// Execute implements iocontext.Operation.
func (r *DisconnectRequest) Execute() {
	r.finish(0, r.sock.Disconnect())
}

// Complete implements iocontext.Operation.
func (r *DisconnectRequest) Complete() {
	r.handler.HandleDisconnectCompleted(r)
}
