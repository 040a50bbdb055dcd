// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package wire

import (
	"encoding/binary"

	"github.com/mendsley/min-voip/internal/addr"
)

func appendAttrHeader(buf []byte, offset int, typ uint16, length uint16) int {
	binary.BigEndian.PutUint16(buf[offset:], typ)
	binary.BigEndian.PutUint16(buf[offset+2:], length)
	return offset + 4
}

// AppendUsername writes the non-standard 16-byte USERNAME attribute:
// localID and remoteID as big-endian uint64s.
func AppendUsername(buf []byte, offset int, localID, remoteID uint64) int {
	offset = appendAttrHeader(buf, offset, AttrUsername, 16)
	binary.BigEndian.PutUint64(buf[offset:], localID)
	binary.BigEndian.PutUint64(buf[offset+8:], remoteID)
	return offset + 16
}

// AppendICEPriority writes the 4-byte ICE-PRIORITY attribute.
func AppendICEPriority(buf []byte, offset int, priority uint32) int {
	offset = appendAttrHeader(buf, offset, AttrICEPriority, 4)
	binary.BigEndian.PutUint32(buf[offset:], priority)
	return offset + 4
}

// AppendICEUseCandidate writes the zero-length ICE-USE-CANDIDATE flag
// attribute.
func AppendICEUseCandidate(buf []byte, offset int) int {
	return appendAttrHeader(buf, offset, AttrICEUseCandidate, 0)
}

// AppendICEControl writes either ICE-CONTROLLED or ICE-CONTROLLING
// (selected by controlling) with an 8-byte tiebreaker value.
func AppendICEControl(buf []byte, offset int, controlling bool, tiebreaker uint64) int {
	typ := AttrICEControlled
	if controlling {
		typ = AttrICEControlling
	}
	offset = appendAttrHeader(buf, offset, typ, 8)
	binary.BigEndian.PutUint64(buf[offset:], tiebreaker)
	return offset + 8
}

// AppendXorMappedAddress writes the XOR-MAPPED-ADDRESS attribute for a
// (family-tagged) address and port, XOR-masked against cookie and
// transaction id. The IPv6 case masks all 16 address bytes against
// cookie‖transactionID; a partial mask over only the first 4 bytes
// would leak the low 12 bytes of the address in the clear.
func AppendXorMappedAddress(buf []byte, offset int, a addr.Addr, port uint16, transactionID [TransactionIDLen]byte) int {
	xport := port ^ uint16(MagicCookie[0])<<8 ^ uint16(MagicCookie[1])

	switch a.Family {
	case addr.V4:
		offset = appendAttrHeader(buf, offset, AttrXorMappedAddress, 8)
		buf[offset] = 0x00
		buf[offset+1] = familyIPv4
		binary.BigEndian.PutUint16(buf[offset+2:], xport)
		for i := 0; i < 4; i++ {
			buf[offset+4+i] = a.V4[i] ^ MagicCookie[i]
		}
		return offset + 8

	case addr.V6:
		offset = appendAttrHeader(buf, offset, AttrXorMappedAddress, 20)
		buf[offset] = 0x00
		buf[offset+1] = familyIPv6
		binary.BigEndian.PutUint16(buf[offset+2:], xport)
		var mask [16]byte
		copy(mask[0:4], MagicCookie[:])
		copy(mask[4:16], transactionID[:])
		for i := 0; i < 16; i++ {
			buf[offset+4+i] = a.V6[i] ^ mask[i]
		}
		return offset + 20

	default:
		return offset
	}
}

// rawAttr is one parsed attribute: its type, the offset of its 4-byte
// TLV header within the packet, and the slice of buf holding its value.
type rawAttr struct {
	Type         uint16
	HeaderOffset int
	Value        []byte
}

// parseAttributes walks the TLV attribute list following the header,
// returning them in wire order. HeaderOffset lets callers recompute
// "bytes preceding this attribute" for MESSAGE-INTEGRITY and
// FINGERPRINT checks.
func parseAttributes(buf []byte) ([]rawAttr, error) {
	var attrs []rawAttr
	offset := HeaderLen
	for offset < len(buf) {
		if offset+4 > len(buf) {
			return nil, protoErrf("truncated attribute header at offset %d", offset)
		}
		typ := binary.BigEndian.Uint16(buf[offset:])
		length := int(binary.BigEndian.Uint16(buf[offset+2:]))
		valueStart := offset + 4
		if valueStart+length > len(buf) {
			return nil, protoErrf("attribute type %#x length %d overruns packet", typ, length)
		}
		attrs = append(attrs, rawAttr{Type: typ, HeaderOffset: offset, Value: buf[valueStart : valueStart+length]})
		offset = valueStart + length
	}
	return attrs, nil
}

func decodeXorMappedAddress(v []byte, transactionID [TransactionIDLen]byte) (addr.Addr, uint16, error) {
	if len(v) < 4 {
		return addr.Addr{}, 0, protoErrf("XOR-MAPPED-ADDRESS too short")
	}
	family := v[1]
	xport := binary.BigEndian.Uint16(v[2:4])
	port := xport ^ uint16(MagicCookie[0])<<8 ^ uint16(MagicCookie[1])

	switch family {
	case familyIPv4:
		if len(v) != 8 {
			return addr.Addr{}, 0, protoErrf("XOR-MAPPED-ADDRESS v4 bad length %d", len(v))
		}
		var a addr.Addr
		a.Family = addr.V4
		for i := 0; i < 4; i++ {
			a.V4[i] = v[4+i] ^ MagicCookie[i]
		}
		return a, port, nil

	case familyIPv6:
		if len(v) != 20 {
			return addr.Addr{}, 0, protoErrf("XOR-MAPPED-ADDRESS v6 bad length %d", len(v))
		}
		var mask [16]byte
		copy(mask[0:4], MagicCookie[:])
		copy(mask[4:16], transactionID[:])
		var a addr.Addr
		a.Family = addr.V6
		for i := 0; i < 16; i++ {
			a.V6[i] = v[4+i] ^ mask[i]
		}
		return a, port, nil

	default:
		return addr.Addr{}, 0, protoErrf("unknown XOR-MAPPED-ADDRESS family %#x", family)
	}
}
