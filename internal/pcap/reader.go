package pcap

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// magicMicrosecondsSwapped is the magic as written by an opposite-endian
// host. Such streams have big-endian record fields.
const magicMicrosecondsSwapped uint32 = 0xd4c3b2a1

// Reader consumes a classic pcap stream, handling either byte order.
type Reader struct {
	r        io.Reader
	order    binary.ByteOrder
	snapLen  uint32
	linkType uint32
}

// NewReader parses the global header and positions the reader at the
// first record.
func NewReader(in io.Reader) (*Reader, error) {
	var hdr [fileHeaderSize]byte
	if _, err := io.ReadFull(in, hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: read header: %w", err)
	}

	var order binary.ByteOrder
	switch binary.LittleEndian.Uint32(hdr[0:4]) {
	case magicMicroseconds:
		order = binary.LittleEndian
	case magicMicrosecondsSwapped:
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("pcap: bad magic %#x", binary.LittleEndian.Uint32(hdr[0:4]))
	}

	if major := order.Uint16(hdr[4:6]); major != versionMajor {
		return nil, fmt.Errorf("pcap: unsupported version %d.%d", major, order.Uint16(hdr[6:8]))
	}

	return &Reader{
		r:        in,
		order:    order,
		snapLen:  order.Uint32(hdr[16:20]),
		linkType: order.Uint32(hdr[20:24]),
	}, nil
}

// SnapLen returns the stream's snapshot length.
func (r *Reader) SnapLen() uint32 { return r.snapLen }

// LinkType returns the stream's link-layer type.
func (r *Reader) LinkType() uint32 { return r.linkType }

// ReadPacket returns the next record. io.EOF marks a clean end of stream;
// a truncated record reports io.ErrUnexpectedEOF.
func (r *Reader) ReadPacket() (CaptureInfo, []byte, error) {
	var rec [recordHeaderSize]byte
	if _, err := io.ReadFull(r.r, rec[:]); err != nil {
		if err == io.EOF {
			return CaptureInfo{}, nil, io.EOF
		}
		return CaptureInfo{}, nil, fmt.Errorf("pcap: read record header: %w", err)
	}

	ci := CaptureInfo{
		Timestamp: time.Unix(
			int64(r.order.Uint32(rec[0:4])),
			int64(r.order.Uint32(rec[4:8]))*1_000,
		),
		CaptureLength: int(r.order.Uint32(rec[8:12])),
		Length:        int(r.order.Uint32(rec[12:16])),
	}
	if r.snapLen != 0 && uint32(ci.CaptureLength) > r.snapLen {
		return CaptureInfo{}, nil, fmt.Errorf("pcap: record capture length %d exceeds snap length %d", ci.CaptureLength, r.snapLen)
	}

	data := make([]byte, ci.CaptureLength)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return CaptureInfo{}, nil, fmt.Errorf("pcap: read packet data: %w", err)
	}
	return ci, data, nil
}
