// Package wire implements the dirsync datagram framing and authentication
// described in spec §4.1 and §6: three opcodes packed into fixed-size,
// zero-padded datagrams, with HMAC-SHA1 authenticating the control
// packets (FILE_META, ACK).
//
// Field widths mirror internal/chunk/key_dict.go's hand-rolled
// length-prefix-then-payload style from the teacher repo, adapted to the
// spec's big-endian, fixed-opcode layout.
package wire

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // G505: spec-mandated MAC hash, authenticity only against tampering
	"encoding/binary"
	"errors"
	"fmt"

	"dirsync/internal/filekey"
)

// Opcode identifies the kind of packet carried by a datagram.
type Opcode byte

const (
	OpFileMeta     Opcode = 0x01
	OpDataTransfer Opcode = 0x02
	OpAck          Opcode = 0x03
)

// Fixed field widths, per spec §6.
const (
	HashSize      = filekey.Size // 16
	HMACSize      = 20           // SHA-1
	SeqNumSize    = 2
	DataSizeSize  = 2
	NameSizeSize  = 4
	TimestampSize = 8
	OpcodeSize    = 1
)

// InitSeqNumber is the first data seqnum of every file transfer.
const InitSeqNumber uint16 = 0

// SentinelSeqNumber is the seqnum carried by the empty-folder sentinel ACK
// (spec §4.5, §9): InitSeqNumber - 1, wrapped into uint16.
const SentinelSeqNumber uint16 = uint16((int(InitSeqNumber) - 1) & 0xFFFF)

var (
	ErrMalformedPacket = errors.New("wire: malformed packet")
	ErrPacketTooSmall  = fmt.Errorf("%w: packet smaller than minimum frame size", ErrMalformedPacket)
	ErrUnknownOpcode   = fmt.Errorf("%w: unknown opcode", ErrMalformedPacket)
	ErrFieldOverrun    = fmt.Errorf("%w: length-prefixed field exceeds buffer", ErrMalformedPacket)
	ErrHMACMismatch    = fmt.Errorf("%w: hmac verification failed", ErrMalformedPacket)
)

// MetaRecord announces a file in a peer's inventory (spec §3).
type MetaRecord struct {
	Key           filekey.Key
	Filename      string
	CreationTime  int64 // ms since epoch
	LastModified  int64 // ms since epoch, informational — not part of the wire frame
	HasNext       bool
}

// DataRecord carries one chunk of a file's byte stream (spec §3).
type DataRecord struct {
	Key     filekey.Key
	SeqNum  uint16
	HasNext bool
	Payload []byte
}

// AckRecord acknowledges one received DataRecord, or — when Key equals
// filekey.Dummy and SeqNum equals SentinelSeqNumber — signals "my
// directory is empty" (spec §4.5, §9).
type AckRecord struct {
	Key       filekey.Key
	SeqNum    uint16
	Timestamp int64 // ms since epoch; the receiver sets it to the time it received the acknowledged chunk
}

// IsSentinel reports whether a is the empty-folder sentinel ACK.
func (a AckRecord) IsSentinel() bool {
	return a.Key == filekey.Dummy && a.SeqNum == SentinelSeqNumber
}

// Sentinel builds the empty-folder sentinel ACK, timestamped at ts
// (ms since epoch).
func Sentinel(ts int64) AckRecord {
	return AckRecord{Key: filekey.Dummy, SeqNum: SentinelSeqNumber, Timestamp: ts}
}

// Codec encodes and decodes datagrams for one deployment's fixed packet
// geometry and shared HMAC key (spec §6).
type Codec struct {
	maxPacketSize int
	dataSize      int
	key           []byte
}

// NewCodec builds a Codec. maxPacketSize is the total datagram length
// (MAX_PACKET_SIZE); dataSize bounds a DATA_TRANSFER payload (DATA_SIZE);
// key is the shared HMAC-SHA1 secret (KEY).
func NewCodec(maxPacketSize, dataSize int, key []byte) (*Codec, error) {
	minFrame := OpcodeSize + HashSize + NameSizeSize + 1 + HMACSize
	if maxPacketSize < minFrame {
		return nil, fmt.Errorf("wire: max packet size %d too small for smallest frame (%d)", maxPacketSize, minFrame)
	}
	dataFrame := OpcodeSize + SeqNumSize + HashSize + 1 + DataSizeSize
	if dataSize < 0 || dataFrame+dataSize > maxPacketSize {
		return nil, fmt.Errorf("wire: data size %d does not fit in max packet size %d", dataSize, maxPacketSize)
	}
	return &Codec{maxPacketSize: maxPacketSize, dataSize: dataSize, key: key}, nil
}

// MaxPacketSize returns MAX_PACKET_SIZE for this codec.
func (c *Codec) MaxPacketSize() int { return c.maxPacketSize }

// DataSize returns DATA_SIZE for this codec.
func (c *Codec) DataSize() int { return c.dataSize }

// EncodeFileMeta encodes m into a zero-padded, HMAC-signed MAX_PACKET_SIZE buffer.
func (c *Codec) EncodeFileMeta(m MetaRecord) ([]byte, error) {
	name := []byte(m.Filename)
	body := OpcodeSize + HashSize + NameSizeSize + len(name) + 1
	if body+HMACSize > c.maxPacketSize {
		return nil, fmt.Errorf("wire: filename %q too long for packet", m.Filename)
	}
	buf := make([]byte, c.maxPacketSize)
	i := 0
	buf[i] = byte(OpFileMeta)
	i += OpcodeSize
	copy(buf[i:], m.Key[:])
	i += HashSize
	binary.BigEndian.PutUint32(buf[i:], uint32(len(name)))
	i += NameSizeSize
	copy(buf[i:], name)
	i += len(name)
	buf[i] = boolByte(m.HasNext)
	i += 1

	c.signInto(buf, i)
	return buf, nil
}

// EncodeDataTransfer encodes d into a zero-padded MAX_PACKET_SIZE buffer.
// DATA_TRANSFER carries no HMAC (spec §4.1, §9).
func (c *Codec) EncodeDataTransfer(d DataRecord) ([]byte, error) {
	if len(d.Payload) > c.dataSize {
		return nil, fmt.Errorf("wire: payload length %d exceeds data size %d", len(d.Payload), c.dataSize)
	}
	buf := make([]byte, c.maxPacketSize)
	i := 0
	buf[i] = byte(OpDataTransfer)
	i += OpcodeSize
	binary.BigEndian.PutUint16(buf[i:], d.SeqNum)
	i += SeqNumSize
	copy(buf[i:], d.Key[:])
	i += HashSize
	buf[i] = boolByte(d.HasNext)
	i += 1
	binary.BigEndian.PutUint16(buf[i:], uint16(len(d.Payload))) //nolint:gosec // G115: bounded by dataSize check above
	i += DataSizeSize
	copy(buf[i:], d.Payload)
	return buf, nil
}

// EncodeAck encodes a into a zero-padded, HMAC-signed MAX_PACKET_SIZE buffer.
func (c *Codec) EncodeAck(a AckRecord) ([]byte, error) {
	buf := make([]byte, c.maxPacketSize)
	i := 0
	buf[i] = byte(OpAck)
	i += OpcodeSize
	binary.BigEndian.PutUint16(buf[i:], a.SeqNum)
	i += SeqNumSize
	copy(buf[i:], a.Key[:])
	i += HashSize
	binary.BigEndian.PutUint64(buf[i:], uint64(a.Timestamp)) //nolint:gosec // G115: millisecond timestamps fit uint64
	i += TimestampSize

	c.signInto(buf, i)
	return buf, nil
}

// signInto zeroes buf's HMAC region (and all trailing padding, already
// zero by construction) starting at offset, computes HMAC-SHA1 over the
// full buffer, and writes the digest back into that region.
func (c *Codec) signInto(buf []byte, offset int) {
	for k := offset; k < offset+HMACSize; k++ {
		buf[k] = 0
	}
	mac := hmac.New(sha1.New, c.key)
	mac.Write(buf)
	copy(buf[offset:offset+HMACSize], mac.Sum(nil))
}

// verify recomputes the HMAC over buf with its [offset, offset+HMACSize)
// region zeroed and compares it in constant time against the digest
// stored there.
func (c *Codec) verify(buf []byte, offset int) bool {
	got := make([]byte, HMACSize)
	copy(got, buf[offset:offset+HMACSize])

	normalized := make([]byte, len(buf))
	copy(normalized, buf)
	for k := offset; k < offset+HMACSize; k++ {
		normalized[k] = 0
	}
	mac := hmac.New(sha1.New, c.key)
	mac.Write(normalized)
	want := mac.Sum(nil)
	return hmac.Equal(got, want)
}

// Decode inspects buf's opcode and decodes it into the matching record
// type: MetaRecord, DataRecord, or AckRecord. Returns ErrMalformedPacket
// (wrapping a more specific sentinel) for any structural or HMAC failure.
func (c *Codec) Decode(buf []byte) (any, error) {
	if len(buf) < OpcodeSize {
		return nil, ErrPacketTooSmall
	}
	switch Opcode(buf[0]) {
	case OpFileMeta:
		return c.decodeFileMeta(buf)
	case OpDataTransfer:
		return c.decodeDataTransfer(buf)
	case OpAck:
		return c.decodeAck(buf)
	default:
		return nil, ErrUnknownOpcode
	}
}

func (c *Codec) decodeFileMeta(buf []byte) (MetaRecord, error) {
	var m MetaRecord
	i := OpcodeSize
	if i+HashSize > len(buf) {
		return m, ErrPacketTooSmall
	}
	copy(m.Key[:], buf[i:i+HashSize])
	i += HashSize

	if i+NameSizeSize > len(buf) {
		return m, ErrPacketTooSmall
	}
	nameLen := int(binary.BigEndian.Uint32(buf[i:]))
	i += NameSizeSize
	if nameLen < 0 || i+nameLen > len(buf) {
		return m, ErrFieldOverrun
	}
	m.Filename = string(buf[i : i+nameLen])
	i += nameLen

	if i+1 > len(buf) {
		return m, ErrPacketTooSmall
	}
	m.HasNext = buf[i] != 0
	i += 1

	if i+HMACSize > len(buf) {
		return m, ErrPacketTooSmall
	}
	if !c.verify(buf, i) {
		return m, ErrHMACMismatch
	}
	return m, nil
}

func (c *Codec) decodeDataTransfer(buf []byte) (DataRecord, error) {
	var d DataRecord
	i := OpcodeSize
	if i+SeqNumSize > len(buf) {
		return d, ErrPacketTooSmall
	}
	d.SeqNum = binary.BigEndian.Uint16(buf[i:])
	i += SeqNumSize

	if i+HashSize > len(buf) {
		return d, ErrPacketTooSmall
	}
	copy(d.Key[:], buf[i:i+HashSize])
	i += HashSize

	if i+1 > len(buf) {
		return d, ErrPacketTooSmall
	}
	d.HasNext = buf[i] != 0
	i += 1

	if i+DataSizeSize > len(buf) {
		return d, ErrPacketTooSmall
	}
	dataLen := int(binary.BigEndian.Uint16(buf[i:]))
	i += DataSizeSize
	if dataLen < 0 || i+dataLen > len(buf) {
		return d, ErrFieldOverrun
	}
	d.Payload = append([]byte(nil), buf[i:i+dataLen]...)
	return d, nil
}

func (c *Codec) decodeAck(buf []byte) (AckRecord, error) {
	var a AckRecord
	i := OpcodeSize
	if i+SeqNumSize > len(buf) {
		return a, ErrPacketTooSmall
	}
	a.SeqNum = binary.BigEndian.Uint16(buf[i:])
	i += SeqNumSize

	if i+HashSize > len(buf) {
		return a, ErrPacketTooSmall
	}
	copy(a.Key[:], buf[i:i+HashSize])
	i += HashSize

	if i+TimestampSize > len(buf) {
		return a, ErrPacketTooSmall
	}
	a.Timestamp = int64(binary.BigEndian.Uint64(buf[i:])) //nolint:gosec // G115: round-trips a ms-since-epoch value we wrote
	i += TimestampSize

	if i+HMACSize > len(buf) {
		return a, ErrPacketTooSmall
	}
	if !c.verify(buf, i) {
		return a, ErrHMACMismatch
	}
	return a, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
