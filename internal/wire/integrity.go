// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package wire

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // required by the wire format, not used for security margin
	"crypto/subtle"
	"encoding/binary"
	"hash/crc32"
)

// AppendMessageIntegrity appends the MESSAGE-INTEGRITY attribute: a
// 20-byte HMAC-SHA1 over buf[0:offset], keyed on key. The header's
// attribute-length field must already reflect the final total
// (including this attribute and any trailing FINGERPRINT) before this is
// called, since that field is itself covered by the hash.
func AppendMessageIntegrity(buf []byte, offset int, key []byte) int {
	mac := hmac.New(sha1.New, key)
	mac.Write(buf[:offset]) //nolint:errcheck // hash.Hash.Write never errors
	sum := mac.Sum(nil)

	offset = appendAttrHeader(buf, offset, AttrMessageIntegrity, 20)
	copy(buf[offset:], sum)
	return offset + 20
}

// AppendFingerprint appends the FINGERPRINT attribute: a 4-byte CRC-32
// over buf[0:offset].
func AppendFingerprint(buf []byte, offset int) int {
	sum := crc32.ChecksumIEEE(buf[:offset])
	offset = appendAttrHeader(buf, offset, AttrFingerprint, 4)
	binary.BigEndian.PutUint32(buf[offset:], sum)
	return offset + 4
}

// verifyMessageIntegrity recomputes the HMAC over the bytes preceding
// the MESSAGE-INTEGRITY attribute (attrStart is that attribute's offset
// within buf) and compares it to the attribute's value using a
// constant-time comparison so a forged packet can't be distinguished by
// timing how far its guessed MAC diverges from the real one.
func verifyMessageIntegrity(buf []byte, attrStart int, got []byte, key []byte) bool {
	mac := hmac.New(sha1.New, key)
	mac.Write(buf[:attrStart]) //nolint:errcheck
	want := mac.Sum(nil)
	return subtle.ConstantTimeCompare(want, got) == 1
}

func verifyFingerprint(buf []byte, attrStart int, got []byte) bool {
	if len(got) != 4 {
		return false
	}
	want := crc32.ChecksumIEEE(buf[:attrStart])
	gotVal := binary.BigEndian.Uint32(got)
	return want == gotVal
}
