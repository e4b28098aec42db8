// Package ipc implements the daemon's wire protocol: length-prefixed YAML
// frames over a stream connection. The same framing carries client requests
// on the control socket and the plugin protocol on plugin sockets.
//
// A frame is a 4-byte big-endian body length followed by the YAML body.
// Length zero is legal and decodes to an empty document.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	yaml "gopkg.in/yaml.v2"
)

// DefaultMaxFrame bounds frame bodies when the caller does not say otherwise.
// Snapshots of large fleets fit comfortably; anything bigger is a protocol
// error, not a workload.
const DefaultMaxFrame = 4 << 20

// ErrFrameTooLarge is returned when a peer announces a body longer than the
// reader's limit. The connection is no longer in a usable state afterwards
// since the oversized body is left unread.
var ErrFrameTooLarge = errors.New("ipc: frame exceeds size limit")

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, body []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("ipc: write frame header: %w", err)
	}
	if len(body) == 0 {
		return nil
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("ipc: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one frame, enforcing max as the body limit. A max of zero
// selects DefaultMaxFrame.
func ReadFrame(r io.Reader, max uint32) ([]byte, error) {
	if max == 0 {
		max = DefaultMaxFrame
	}

	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		// Propagate EOF unwrapped so callers can tell a clean close from a
		// torn frame.
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("ipc: read frame header: %w", err)
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n > max {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, max)
	}
	if n == 0 {
		return nil, nil
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("ipc: read frame body: %w", err)
	}
	return body, nil
}

// WriteMessage marshals v as YAML and writes it as one frame.
func WriteMessage(w io.Writer, v interface{}) error {
	body, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("ipc: marshal message: %w", err)
	}
	return WriteFrame(w, body)
}

// ReadMessage reads one frame and unmarshals it into v.
func ReadMessage(r io.Reader, max uint32, v interface{}) error {
	body, err := ReadFrame(r, max)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(body, v); err != nil {
		return fmt.Errorf("ipc: unmarshal message: %w", err)
	}
	return nil
}
