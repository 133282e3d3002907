package zk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// -------------------------------------------------------------------------
// Buffered Reads
// -------------------------------------------------------------------------

// chunkRetries is how many times a failed chunk request is reissued
// before the read surfaces the error.
const chunkRetries = 3

// readWithBuffer downloads one device table. It prefers the chunked
// variant (PREPARE_BUFFER / READ_BUFFER); devices that do not support it
// fall back to the legacy direct read. Caller holds mu.
//
// The returned body starts with the table's own 4-byte size prefix.
func (c *Client) readWithBuffer(cmd Command, fct, ext uint32) ([]byte, error) {
	req := make([]byte, 11)
	req[0] = 1
	binary.LittleEndian.PutUint16(req[1:3], uint16(cmd))
	binary.LittleEndian.PutUint32(req[3:7], fct)
	binary.LittleEndian.PutUint32(req[7:11], ext)

	hdr, body, err := c.roundTrip(CmdPrepareBuffer, req)
	switch {
	case err == nil && hdr.Command == CmdData:
		// Small tables arrive inline.
		return body, nil
	case err == nil:
		// ACK_OK: the total size sits at payload bytes 1..5.
		if len(body) < 5 {
			return nil, fmt.Errorf("prepare buffer: %d byte reply: %w", len(body), ErrProtocol)
		}
		return c.readChunked(int(binary.LittleEndian.Uint32(body[1:5])))
	case errors.Is(err, ErrProtocol):
		// Older firmware: read the table with the direct command.
		c.log.Debug("chunked read unsupported, using legacy read",
			slog.String("command", cmd.String()))
		return c.readLegacy(cmd)
	default:
		return nil, err
	}
}

// readChunked fetches size bytes through READ_BUFFER requests, at most
// maxChunk bytes each, concatenated in order, then frees the device-side
// buffer. Caller holds mu.
func (c *Client) readChunked(size int) ([]byte, error) {
	data := make([]byte, 0, size)
	limit := c.tr.maxChunk()
	for start := 0; start < size; start += limit {
		n := size - start
		if n > limit {
			n = limit
		}
		chunk, err := c.readChunk(start, n)
		if err != nil {
			return nil, err
		}
		data = append(data, chunk...)
	}
	_, _, err := c.roundTrip(CmdFreeData, nil)
	if err != nil {
		return nil, fmt.Errorf("free data: %w", err)
	}
	return data, nil
}

// readChunk requests one [start, start+size) slice of the prepared
// buffer, retrying transient failures. Caller holds mu.
func (c *Client) readChunk(start, size int) ([]byte, error) {
	req := make([]byte, 8)
	binary.LittleEndian.PutUint32(req[0:4], uint32(start)) //nolint:gosec // G115: offsets bounded by table size
	binary.LittleEndian.PutUint32(req[4:8], uint32(size))  //nolint:gosec // G115: ditto

	var lastErr error
	for attempt := 1; attempt <= chunkRetries; attempt++ {
		hdr, body, err := c.roundTrip(CmdReadBuffer, req)
		if err != nil {
			lastErr = err
			if !c.connected {
				break
			}
			continue
		}
		switch hdr.Command {
		case CmdData:
			return body, nil
		case CmdPrepareData:
			return c.recvPrepared(body)
		default:
			lastErr = fmt.Errorf("read chunk: reply %s: %w", hdr.Command, ErrProtocol)
		}
	}
	return nil, fmt.Errorf("read chunk at %d after %d attempts: %w", start, chunkRetries, lastErr)
}

// readLegacy issues the direct table-read command. The device answers
// either with a single DATA frame holding the whole body, or with
// PREPARE_DATA followed by a DATA stream. Caller holds mu.
func (c *Client) readLegacy(cmd Command) ([]byte, error) {
	hdr, body, err := c.roundTrip(cmd, nil)
	if err != nil {
		return nil, err
	}
	switch hdr.Command {
	case CmdData:
		return body, nil
	case CmdPrepareData:
		return c.recvPrepared(body)
	default:
		return nil, fmt.Errorf("legacy read: reply %s: %w", hdr.Command, ErrProtocol)
	}
}

// recvPrepared consumes a PREPARE_DATA stream: the prepare payload's
// first 4 bytes advertise the body size, then DATA frames carry the body
// until the device terminates the stream with ACK_OK. Caller holds mu.
func (c *Client) recvPrepared(prepare []byte) ([]byte, error) {
	if len(prepare) < 4 {
		return nil, fmt.Errorf("prepare data: %d byte payload: %w", len(prepare), ErrProtocol)
	}
	size := int(binary.LittleEndian.Uint32(prepare[:4]))
	data := make([]byte, 0, size)

	for {
		if err := c.tr.setReadDeadline(time.Now().Add(c.opts.Timeout)); err != nil {
			c.connected = false
			return nil, err
		}
		hdr, body, err := c.tr.recvFrame()
		if err != nil {
			c.connected = false
			return nil, fmt.Errorf("data stream: %w", err)
		}
		switch hdr.Command {
		case CmdData:
			data = append(data, body...)
		case CmdAckOK:
			if len(data) < size {
				return nil, fmt.Errorf("data stream: got %d of %d bytes: %w",
					len(data), size, ErrProtocol)
			}
			return data, nil
		default:
			return nil, fmt.Errorf("data stream: frame %s: %w", hdr.Command, ErrProtocol)
		}
	}
}
