// Package frame owns the wire framing contract.
//
// Ownership boundary:
// - request/response frame layout and byte order
// - framing violation taxonomy
// - memory cost estimation used for admission control
//
// Request frame layout (network byte order):
//
//	[int32 size][int16 api_key][int16 api_version][int32 correlation_id]
//	[int16 client_id_len][client_id bytes][opaque body]
//
// size counts everything after the size field itself. A client_id_len of -1
// means the client id is absent; 0 means present but empty.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

const (
	// SizeFieldLen is the width of the leading size prefix.
	SizeFieldLen = 4
	// FixedHeaderLen is the fixed header region after the size prefix:
	// api key, api version, correlation id, client id length.
	FixedHeaderLen = 10
	// ResponseHeaderLen is the response size prefix plus correlation id.
	ResponseHeaderLen = 8

	// NullClientID is the client_id_len sentinel for an absent client id.
	NullClientID int16 = -1

	// memOverhead covers intermediate copies and per-request bookkeeping
	// on top of the raw frame bytes.
	memOverhead = 8000
)

var (
	ErrInvalidSize     = errors.New("frame: invalid request size")
	ErrRequestTooLarge = errors.New("frame: request size over limit")
	ErrUnexpectedEOF   = errors.New("frame: unexpected eof mid-frame")
	ErrInvalidClientID = errors.New("frame: client id is not valid utf-8")
)

// Header is the parsed fixed request header plus client id.
type Header struct {
	APIKey        int16
	APIVersion    int16
	CorrelationID int32

	// ClientID is meaningful only when ClientIDPresent is true. An absent
	// id (wire length -1) is distinct from a present-but-empty one.
	ClientID        string
	ClientIDPresent bool
}

// Request is one fully framed request envelope.
type Request struct {
	Header Header
	Body   []byte
}

// MemoryEstimate is the admission cost of a request of the given wire size.
// The factor of two covers the required intermediate copies.
func MemoryEstimate(size int32) int64 {
	return 2*int64(size) + memOverhead
}

// ReadSize reads the size prefix of the next request. A clean end of stream
// at the frame boundary returns io.EOF; a truncated prefix or a negative
// declared size is a framing violation.
func ReadSize(r io.Reader) (int32, error) {
	var buf [SizeFieldLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, ErrUnexpectedEOF
		}
		return 0, err
	}
	size := int32(binary.BigEndian.Uint32(buf[:]))
	if size < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	return size, nil
}

// The size prefix was already read, so any end of stream here is a
// violation rather than a clean close.
func (h *Header) read(r io.Reader) (int, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return 0, eofViolation(err)
	}
	h.APIKey = int16(binary.BigEndian.Uint16(fixed[0:2]))
	h.APIVersion = int16(binary.BigEndian.Uint16(fixed[2:4]))
	h.CorrelationID = int32(binary.BigEndian.Uint32(fixed[4:8]))

	consumed := FixedHeaderLen
	clientIDLen := int16(binary.BigEndian.Uint16(fixed[8:10]))
	switch {
	case clientIDLen == 0:
		h.ClientIDPresent = true
	case clientIDLen == NullClientID:
		// absent: no bytes, no validation
	case clientIDLen < 0:
		return 0, fmt.Errorf("%w: client id length %d", ErrInvalidSize, clientIDLen)
	default:
		id := make([]byte, clientIDLen)
		if _, err := io.ReadFull(r, id); err != nil {
			return 0, eofViolation(err)
		}
		if !utf8.Valid(id) {
			return 0, ErrInvalidClientID
		}
		h.ClientID = string(id)
		h.ClientIDPresent = true
		consumed += int(clientIDLen)
	}
	return consumed, nil
}

// ReadHeader reads the fixed header and client id after a successful
// ReadSize. consumed reports how many of the frame's size bytes were used.
func ReadHeader(r io.Reader) (Header, int, error) {
	var h Header
	consumed, err := h.read(r)
	if err != nil {
		return Header{}, 0, err
	}
	return h, consumed, nil
}

// ReadBody reads the remaining opaque body of a frame whose header consumed
// the given byte count.
func ReadBody(r io.Reader, size int32, headerConsumed int) ([]byte, error) {
	remaining := int(size) - headerConsumed
	if remaining < 0 {
		return nil, fmt.Errorf("%w: size %d smaller than header", ErrInvalidSize, size)
	}
	body := make([]byte, remaining)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, eofViolation(err)
	}
	return body, nil
}

// ReadRequest frames one complete request envelope. It is the composition of
// ReadSize, ReadHeader and ReadBody used by clients and tests; the server
// read loop drives the stages itself so it can interleave admission control.
func ReadRequest(r io.Reader) (Request, error) {
	size, err := ReadSize(r)
	if err != nil {
		return Request{}, err
	}
	h, consumed, err := ReadHeader(r)
	if err != nil {
		return Request{}, err
	}
	body, err := ReadBody(r, size, consumed)
	if err != nil {
		return Request{}, err
	}
	return Request{Header: h, Body: body}, nil
}

// EncodeRequest renders one request envelope, size prefix included.
func EncodeRequest(h Header, body []byte) []byte {
	idLen := NullClientID
	if h.ClientIDPresent {
		idLen = int16(len(h.ClientID))
	}
	size := FixedHeaderLen + len(body)
	if idLen > 0 {
		size += int(idLen)
	}
	buf := make([]byte, 0, SizeFieldLen+size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(size))
	buf = binary.BigEndian.AppendUint16(buf, uint16(h.APIKey))
	buf = binary.BigEndian.AppendUint16(buf, uint16(h.APIVersion))
	buf = binary.BigEndian.AppendUint32(buf, uint32(h.CorrelationID))
	buf = binary.BigEndian.AppendUint16(buf, uint16(idLen))
	if idLen > 0 {
		buf = append(buf, h.ClientID...)
	}
	return append(buf, body...)
}

// WriteRequest writes one request envelope.
func WriteRequest(w io.Writer, h Header, body []byte) error {
	_, err := w.Write(EncodeRequest(h, body))
	return err
}

// WriteResponse writes one response frame:
//
//	[int32 size = 4 + len(body)][int32 correlation_id][body]
func WriteResponse(w io.Writer, correlationID int32, body []byte) error {
	var hdr [ResponseHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(4+len(body)))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(correlationID))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// ReadResponse reads one response frame, returning the echoed correlation id
// and opaque body. io.EOF at the frame boundary is a clean end of stream.
func ReadResponse(r io.Reader) (int32, []byte, error) {
	var hdr [ResponseHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	size := int32(binary.BigEndian.Uint32(hdr[0:4]))
	correlationID := int32(binary.BigEndian.Uint32(hdr[4:8]))
	if size < 4 {
		return 0, nil, fmt.Errorf("%w: response size %d", ErrInvalidSize, size)
	}
	body := make([]byte, size-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, eofViolation(err)
	}
	return correlationID, body, nil
}

func eofViolation(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrUnexpectedEOF
	}
	return err
}
