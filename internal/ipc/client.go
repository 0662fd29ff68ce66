package ipc

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/laynepenney/codi-sub005/internal/protocol"
)

// Client is the child-side connection: dial, handshake, then exchange
// frames. Used by the child runtime in internal/childrt.
type Client struct {
	conn    net.Conn
	w       *bufio.Writer
	scanner *bufio.Scanner
}

// Dial connects to the orchestrator's IPC endpoint.
func Dial(socketPath string) (*Client, error) {
	c, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", socketPath, err)
	}
	scanner := bufio.NewScanner(c)
	scanner.Buffer(make([]byte, scannerInitialBuffer), scannerMaxBuffer)
	return &Client{conn: c, w: bufio.NewWriter(c), scanner: scanner}, nil
}

// Handshake sends the mandatory first message identifying this child.
func (c *Client) Handshake(childID string, protocolVersion int, capabilities []string) error {
	return c.Send(protocol.MsgHandshake, protocol.Handshake{
		ChildID:         childID,
		ProtocolVersion: protocolVersion,
		Capabilities:    capabilities,
	})
}

// Send encodes and writes a message.
func (c *Client) Send(msgType string, payload any) error {
	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	if _, err := c.w.Write(frame); err != nil {
		return err
	}
	if _, err := c.w.Write([]byte{'\n'}); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv blocks for the next envelope. io.EOF-equivalent termination is
// reported via the second return being false.
func (c *Client) Recv() (*protocol.Envelope, bool, error) {
	if !c.scanner.Scan() {
		return nil, false, c.scanner.Err()
	}
	env, err := protocol.Decode(c.scanner.Bytes())
	if err != nil {
		return nil, true, err
	}
	return env, true, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }
