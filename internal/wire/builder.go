// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package wire

import "github.com/mendsley/min-voip/internal/addr"

// maxPacketLen comfortably covers the largest packet this protocol ever
// builds: a Binding Request carrying USERNAME, ICE-CONTROL, ICE-PRIORITY,
// ICE-USE-CANDIDATE, MESSAGE-INTEGRITY, and FINGERPRINT.
const maxPacketLen = 128

// BindingRequestParams describes everything needed to build one Binding
// Request packet. localID/remoteID populate USERNAME as
// localID‖remoteID regardless of which side of the exchange is building
// the packet.
type BindingRequestParams struct {
	TransactionID [TransactionIDLen]byte
	LocalID       uint64
	RemoteID      uint64
	Controlling   bool
	Tiebreaker    uint64
	Priority      uint32
	UseCandidate  bool
	Key           []byte
}

// BuildBindingRequest assembles a complete, authenticated Binding
// Request packet. The header's attribute-length is finalized before
// MESSAGE-INTEGRITY/FINGERPRINT are computed, since both attributes
// hash over that header field.
func BuildBindingRequest(p BindingRequestParams) []byte {
	buf := make([]byte, maxPacketLen)
	offset := HeaderLen

	offset = AppendUsername(buf, offset, p.LocalID, p.RemoteID)
	offset = AppendICEControl(buf, offset, p.Controlling, p.Tiebreaker)
	offset = AppendICEPriority(buf, offset, p.Priority)
	if p.UseCandidate {
		offset = AppendICEUseCandidate(buf, offset)
	}

	finalAttrLength := offset - HeaderLen + 24 // + MESSAGE-INTEGRITY
	if len(p.Key) > 0 {
		finalAttrLength += 8 // + FINGERPRINT
	} else {
		// No session key yet configured: MESSAGE-INTEGRITY is omitted.
		// The attributes written above are kept and only FINGERPRINT
		// follows them.
		finalAttrLength = offset - HeaderLen + 8
	}
	PutHeader(buf, TypeBindingRequest, uint16(finalAttrLength), p.TransactionID)

	if len(p.Key) > 0 {
		offset = AppendMessageIntegrity(buf, offset, p.Key)
	}
	offset = AppendFingerprint(buf, offset)
	return buf[:offset]
}

// BuildServerReflexiveRequest builds the minimal Binding Request used to
// probe a STUN host for a server-reflexive mapping: no USERNAME or
// MESSAGE-INTEGRITY (there is no shared key with a public STUN server),
// just a FINGERPRINT.
func BuildServerReflexiveRequest(transactionID [TransactionIDLen]byte) []byte {
	buf := make([]byte, maxPacketLen)
	offset := HeaderLen
	PutHeader(buf, TypeBindingRequest, 8, transactionID)
	offset = AppendFingerprint(buf, offset)
	return buf[:offset]
}

// BuildBindingResponse assembles a Binding Success Response carrying the
// XOR-MAPPED-ADDRESS of the request's source, authenticated with key.
func BuildBindingResponse(transactionID [TransactionIDLen]byte, mapped addr.Addr, port uint16, key []byte) []byte {
	buf := make([]byte, maxPacketLen)
	offset := HeaderLen
	offset = AppendXorMappedAddress(buf, offset, mapped, port, transactionID)

	mappedLen := 8
	if mapped.Family == addr.V6 {
		mappedLen = 20
	}
	finalAttrLength := 4 + mappedLen + 24 + 8
	PutHeader(buf, TypeBindingSuccess, uint16(finalAttrLength), transactionID)

	offset = AppendMessageIntegrity(buf, offset, key)
	offset = AppendFingerprint(buf, offset)
	return buf[:offset]
}
