// Package link moves Ethernet frames between the router and whatever stands
// in for its wires.
package link

// Sender transmits a complete Ethernet frame out of the named interface. The
// caller gives up the buffer; implementations may keep or reuse it.
type Sender interface {
	Transmit(frame []byte, iface string) error
}

// Handler consumes frames received on the named interface. The frame belongs
// to the handler, which may modify it in place and pass it on to a Sender.
type Handler interface {
	HandleFrame(frame []byte, iface string)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(frame []byte, iface string)

func (f HandlerFunc) HandleFrame(frame []byte, iface string) { f(frame, iface) }

// SenderFunc adapts a function to Sender.
type SenderFunc func(frame []byte, iface string) error

func (f SenderFunc) Transmit(frame []byte, iface string) error { return f(frame, iface) }
