package device

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Command constants for the ZK/ESSL terminal protocol
const (
	CMD_CONNECT       = 1000
	CMD_EXIT          = 1001
	CMD_ENABLEDEVICE  = 1002
	CMD_DISABLEDEVICE = 1003
	CMD_GET_VERSION   = 1100
	CMD_AUTH          = 1102

	CMD_ACK_OK     = 2000
	CMD_ACK_ERROR  = 2001
	CMD_ACK_DATA   = 2002
	CMD_ACK_UNAUTH = 2005

	CMD_USER_WRQ       = 8
	CMD_USERTEMP_RRQ   = 9
	CMD_USERTEMP_WRQ   = 10
	CMD_OPTIONS_RRQ    = 11
	CMD_DELETE_USER    = 18
	CMD_GET_FREE_SIZES = 50
	CMD_STARTENROLL    = 61
	CMD_CANCELCAPTURE  = 62
	CMD_STATE_RRQ      = 64
	CMD_DEL_FPTMP      = 134
	CMD_GET_TIME       = 201
	CMD_SET_TIME       = 202
)

// packetMagic prefixes every TCP frame
const packetMagic uint32 = 0x7d825050

// maxPayload bounds a single frame; templates are a few KB at most
const maxPayload = 64 * 1024

// Packet is one decoded protocol frame
type Packet struct {
	Command   uint16
	SessionID uint16
	ReplyID   uint16
	Data      []byte
}

// Codec frames and unframes protocol packets. The wire format differs
// between terminal families, so it stays pluggable behind this interface;
// ZKCodec covers the ZK/ESSL TCP variant.
type Codec interface {
	Encode(cmd, sessionID, replyID uint16, data []byte) []byte
	Decode(r io.Reader) (*Packet, error)
}

// ZKCodec implements the ZK/ESSL TCP framing: a magic+length prefix
// followed by an 8-byte little-endian header (command, checksum, session,
// reply) and the payload.
type ZKCodec struct{}

// Encode builds a complete frame for the given command
func (ZKCodec) Encode(cmd, sessionID, replyID uint16, data []byte) []byte {
	inner := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint16(inner[0:2], cmd)
	binary.LittleEndian.PutUint16(inner[2:4], 0) // checksum placeholder
	binary.LittleEndian.PutUint16(inner[4:6], sessionID)
	binary.LittleEndian.PutUint16(inner[6:8], replyID)
	copy(inner[8:], data)

	binary.LittleEndian.PutUint16(inner[2:4], checksum(inner))

	frame := make([]byte, 8+len(inner))
	binary.LittleEndian.PutUint32(frame[0:4], packetMagic)
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(inner)))
	copy(frame[8:], inner)
	return frame
}

// Decode reads one frame from r
func (ZKCodec) Decode(r io.Reader) (*Packet, error) {
	prefix := make([]byte, 8)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}

	if magic := binary.LittleEndian.Uint32(prefix[0:4]); magic != packetMagic {
		return nil, &ProtocolError{Op: "decode", Detail: fmt.Sprintf("bad frame magic 0x%08x", magic)}
	}
	length := binary.LittleEndian.Uint32(prefix[4:8])
	if length < 8 || length > maxPayload {
		return nil, &ProtocolError{Op: "decode", Detail: fmt.Sprintf("invalid frame length %d", length)}
	}

	inner := make([]byte, length)
	if _, err := io.ReadFull(r, inner); err != nil {
		return nil, err
	}

	pkt := &Packet{
		Command:   binary.LittleEndian.Uint16(inner[0:2]),
		SessionID: binary.LittleEndian.Uint16(inner[4:6]),
		ReplyID:   binary.LittleEndian.Uint16(inner[6:8]),
	}
	if length > 8 {
		pkt.Data = inner[8:]
	}

	want := binary.LittleEndian.Uint16(inner[2:4])
	binary.LittleEndian.PutUint16(inner[2:4], 0)
	if got := checksum(inner); got != want {
		return nil, &ProtocolError{
			Op:      "decode",
			Command: pkt.Command,
			Detail:  fmt.Sprintf("checksum mismatch: got %d want %d", got, want),
		}
	}

	return pkt, nil
}

// checksum sums all bytes of the inner packet with the checksum field
// zeroed, wrapping at 16 bits
func checksum(inner []byte) uint16 {
	var sum uint16
	for _, b := range inner {
		sum += uint16(b)
	}
	return sum
}
