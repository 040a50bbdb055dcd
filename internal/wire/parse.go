// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package wire

import "github.com/mendsley/min-voip/internal/addr"

// BindingRequest is the decoded content of an inbound Binding Request.
type BindingRequest struct {
	TransactionID [TransactionIDLen]byte
	SenderID      uint64 // the requester's own id (first half of USERNAME)
	TargetID      uint64 // who the requester believes it's talking to
	Controlling   bool
	HasControl    bool
	Tiebreaker    uint64
	Priority      uint32
	HasPriority   bool
	UseCandidate  bool
}

// BindingResult is the decoded content of an inbound Binding Success
// Response.
type BindingResult struct {
	TransactionID [TransactionIDLen]byte
	MappedAddress addr.Addr
	MappedPort    uint16
}

// parsedIntegrity carries what parseCommon learned about the trailing
// MESSAGE-INTEGRITY/FINGERPRINT attributes so the two top-level parsers
// can enforce "verified before anything else matters".
type parsedIntegrity struct {
	attrs             []rawAttr
	integrityVerified bool
	sawIntegrity      bool
}

// parseCommon validates the header, walks attributes enforcing that
// MESSAGE-INTEGRITY (if present) is either the last attribute or
// immediately followed by FINGERPRINT (if present, it must be last),
// and verifies MESSAGE-INTEGRITY against key using a constant-time
// comparison. If key is non-empty and no MESSAGE-INTEGRITY attribute is
// present, parsing fails.
func parseCommon(buf []byte, wantType uint16, key []byte) (Header, parsedIntegrity, error) {
	hdr, err := ParseHeader(buf)
	if err != nil {
		return Header{}, parsedIntegrity{}, err
	}
	if hdr.Type != wantType {
		return Header{}, parsedIntegrity{}, protoErrf("unexpected message type %#x", hdr.Type)
	}

	attrs, err := parseAttributes(buf)
	if err != nil {
		return Header{}, parsedIntegrity{}, err
	}

	var pi parsedIntegrity
	pi.attrs = attrs

	for i, a := range attrs {
		switch a.Type {
		case AttrMessageIntegrity:
			pi.sawIntegrity = true
			if len(a.Value) != 20 {
				return Header{}, parsedIntegrity{}, protoErrf("bad MESSAGE-INTEGRITY length %d", len(a.Value))
			}
			isLast := i == len(attrs)-1
			followedByFingerprintOnly := i == len(attrs)-2 && attrs[i+1].Type == AttrFingerprint
			if !isLast && !followedByFingerprintOnly {
				return Header{}, parsedIntegrity{}, protoErrf("MESSAGE-INTEGRITY not positioned at end of attributes")
			}
			pi.integrityVerified = verifyMessageIntegrity(buf, a.HeaderOffset, a.Value, key)

		case AttrFingerprint:
			if len(a.Value) != 4 {
				return Header{}, parsedIntegrity{}, protoErrf("bad FINGERPRINT length %d", len(a.Value))
			}
			if i != len(attrs)-1 {
				return Header{}, parsedIntegrity{}, protoErrf("FINGERPRINT not the last attribute")
			}
			if !verifyFingerprint(buf, a.HeaderOffset, a.Value) {
				return Header{}, parsedIntegrity{}, protoErrf("fingerprint mismatch")
			}
		}
	}

	if len(key) > 0 {
		if !pi.sawIntegrity {
			return Header{}, parsedIntegrity{}, protoErrf("session key configured but no MESSAGE-INTEGRITY present")
		}
		if !pi.integrityVerified {
			return Header{}, parsedIntegrity{}, protoErrf("MESSAGE-INTEGRITY verification failed")
		}
	}

	return hdr, pi, nil
}

// ParseBindingRequest decodes and authenticates a Binding Request.
func ParseBindingRequest(buf []byte, key []byte) (*BindingRequest, error) {
	hdr, pi, err := parseCommon(buf, TypeBindingRequest, key)
	if err != nil {
		return nil, err
	}

	req := &BindingRequest{TransactionID: hdr.TransactionID}
	for _, a := range pi.attrs {
		switch a.Type {
		case AttrUsername:
			if len(a.Value) != 16 {
				return nil, protoErrf("bad USERNAME length %d", len(a.Value))
			}
			req.SenderID = beUint64(a.Value[0:8])
			req.TargetID = beUint64(a.Value[8:16])
		case AttrICEPriority:
			if len(a.Value) != 4 {
				return nil, protoErrf("bad ICE-PRIORITY length %d", len(a.Value))
			}
			req.Priority = beUint32(a.Value)
			req.HasPriority = true
		case AttrICEUseCandidate:
			req.UseCandidate = true
		case AttrICEControlled:
			if len(a.Value) != 8 {
				return nil, protoErrf("bad ICE-CONTROLLED length %d", len(a.Value))
			}
			req.HasControl = true
			req.Controlling = false
			req.Tiebreaker = beUint64(a.Value)
		case AttrICEControlling:
			if len(a.Value) != 8 {
				return nil, protoErrf("bad ICE-CONTROLLING length %d", len(a.Value))
			}
			req.HasControl = true
			req.Controlling = true
			req.Tiebreaker = beUint64(a.Value)
		}
	}
	return req, nil
}

// ParseBindingResult decodes and authenticates a Binding Success
// Response.
func ParseBindingResult(buf []byte, key []byte) (*BindingResult, error) {
	hdr, pi, err := parseCommon(buf, TypeBindingSuccess, key)
	if err != nil {
		return nil, err
	}

	res := &BindingResult{TransactionID: hdr.TransactionID}
	found := false
	for _, a := range pi.attrs {
		if a.Type == AttrXorMappedAddress {
			mapped, port, err := decodeXorMappedAddress(a.Value, hdr.TransactionID)
			if err != nil {
				return nil, err
			}
			res.MappedAddress = mapped
			res.MappedPort = port
			found = true
		}
	}
	if !found {
		return nil, protoErrf("Binding Success Response missing XOR-MAPPED-ADDRESS")
	}
	return res, nil
}

func beUint64(b []byte) uint64 {
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
