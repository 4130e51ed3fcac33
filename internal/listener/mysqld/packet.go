package mysqld

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MySQL protocol constants used by the emulation.
const (
	protocolVersion = 0x0a
	serverVersion   = "8.0.32-0ubuntu0.22.04.2"
	authPluginName  = "mysql_native_password"

	comQuery = 0x03
	comQuit  = 0x01
	comPing  = 0x0e

	charsetUTF8MB4   = 0xff
	statusAutocommit = 0x0002

	errAccessDenied = 1045
	accessSQLState  = "28000"

	maxPacketSize = 16 * 1024 // ample for handshake-stage packets
)

// Capability flags advertised in the handshake: long password,
// protocol 41, secure connection, plugin auth.
var capabilityFlags uint32 = 0x00000001 | 0x00000200 | 0x00008000 | 0x00080000

// writePacket frames a payload with the 3-byte length + sequence header.
func writePacket(w io.Writer, seq byte, payload []byte) error {
	header := []byte{
		byte(len(payload)),
		byte(len(payload) >> 8),
		byte(len(payload) >> 16),
		seq,
	}
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write packet header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write packet payload: %w", err)
	}
	return nil
}

// readPacket reads one framed packet, bounded by maxPacketSize.
func readPacket(r io.Reader) (byte, []byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	length := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	if length > maxPacketSize {
		return 0, nil, fmt.Errorf("packet of %d bytes exceeds limit", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return header[3], payload, nil
}

// buildHandshake serializes a HandshakeV10 packet: protocol version,
// null-terminated server version, connection id, split 20-byte salt,
// capability flags, charset, status flags, auth-plugin length, 10 reserved
// zero bytes, second salt half, and the native-password plugin name.
func buildHandshake(connID uint32, salt [20]byte) []byte {
	var p []byte
	p = append(p, protocolVersion)
	p = append(p, serverVersion...)
	p = append(p, 0x00)

	var id [4]byte
	binary.LittleEndian.PutUint32(id[:], connID)
	p = append(p, id[:]...)

	// First 8 salt bytes + filler.
	p = append(p, salt[:8]...)
	p = append(p, 0x00)

	// Capability flags, lower half.
	p = append(p, byte(capabilityFlags), byte(capabilityFlags>>8))
	p = append(p, charsetUTF8MB4)
	p = append(p, byte(statusAutocommit), byte(statusAutocommit>>8))
	// Capability flags, upper half.
	p = append(p, byte(capabilityFlags>>16), byte(capabilityFlags>>24))

	// Auth plugin data length: 20 salt bytes + terminator.
	p = append(p, 21)
	// 10 reserved bytes.
	p = append(p, make([]byte, 10)...)

	// Remaining 12 salt bytes + terminator.
	p = append(p, salt[8:]...)
	p = append(p, 0x00)

	p = append(p, authPluginName...)
	p = append(p, 0x00)
	return p
}

// buildError serializes an ERR packet: 0xFF marker, 2-byte code, '#',
// 5-char SQL state, message.
func buildError(code uint16, sqlState, message string) []byte {
	var p []byte
	p = append(p, 0xff)
	var c [2]byte
	binary.LittleEndian.PutUint16(c[:], code)
	p = append(p, c[:]...)
	p = append(p, '#')
	p = append(p, sqlState...)
	p = append(p, message...)
	return p
}

// parseLoginUsername extracts the null-terminated username from a
// HandshakeResponse41 payload. Returns "" on malformed input.
func parseLoginUsername(payload []byte) string {
	// 4 capability + 4 max packet + 1 charset + 23 reserved.
	const fixed = 32
	if len(payload) <= fixed {
		return ""
	}
	rest := payload[fixed:]
	for i, b := range rest {
		if b == 0x00 {
			return string(rest[:i])
		}
	}
	return ""
}

// parseCommand splits a command packet into opcode and argument.
func parseCommand(payload []byte) (byte, []byte) {
	if len(payload) == 0 {
		return 0, nil
	}
	return payload[0], payload[1:]
}
