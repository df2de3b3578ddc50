// Copyright 2025 the Fornax Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package inet

import "net"

// foldSum is the RFC 1071 ones-complement accumulation. Outbound checksum
// fill is gopacket's job; this exists so inbound TCP segments can be
// verified, which gopacket's decoder does not do.
func foldSum(sum uint32, b []byte) uint32 {
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	return sum
}

func finishSum(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return uint16(sum)
}

// verifyTCPChecksum checks an inbound segment against the IPv4
// pseudo-header. header is the raw TCP header bytes (checksum field
// included), payload the segment data; a valid segment folds to 0xffff.
func verifyTCPChecksum(src, dst net.IP, header, payload []byte) bool {
	var pseudo [12]byte
	copy(pseudo[0:], src.To4())
	copy(pseudo[4:], dst.To4())
	pseudo[9] = 6 // protocol
	tcpLen := len(header) + len(payload)
	pseudo[10] = byte(tcpLen >> 8)
	pseudo[11] = byte(tcpLen)

	sum := foldSum(0, pseudo[:])
	sum = foldSum(sum, header)
	sum = foldSum(sum, payload)
	return finishSum(sum) == 0xffff
}
