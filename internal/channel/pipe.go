package channel

import (
	"yqhp/sysarray/pkg/types"
)

// PipeChannel is one end of an in-process channel pair. Messages still go
// through the wire codec so both ends observe the same values a network
// peer would.
type PipeChannel struct {
	*inbox
	peer *PipeChannel
}

// Pipe returns two connected, open channel ends.
func Pipe() (*PipeChannel, *PipeChannel) {
	a := &PipeChannel{inbox: newInbox("pipe:a", StateOpen)}
	b := &PipeChannel{inbox: newInbox("pipe:b", StateOpen)}
	a.peer, b.peer = b, a
	a.teardown = func() { b.shutdown(nil) }
	b.teardown = func() { a.shutdown(nil) }
	return a, b
}

// Send implements Channel.
func (c *PipeChannel) Send(inv *types.Invoke) error {
	if c.State() != StateOpen {
		return c.notOpen()
	}

	data, err := types.Encode(inv)
	if err != nil {
		return err
	}
	decoded, err := types.Decode(data)
	if err != nil {
		return err
	}

	c.peer.push(decoded)
	return nil
}
