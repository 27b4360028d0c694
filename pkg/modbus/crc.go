package modbus

// CRC16 computes the Modbus RTU checksum (reflected poly 0xA001, init
// 0xFFFF). The result is sent low byte first.
func CRC16(buf []byte) (lo, hi byte) {
	var crc uint16 = 0xffff
	for _, b := range buf {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xa001
			} else {
				crc >>= 1
			}
		}
	}
	return byte(crc & 0xff), byte(crc >> 8)
}

// appendCRC returns frame with its checksum appended.
func appendCRC(frame []byte) []byte {
	lo, hi := CRC16(frame)
	return append(frame, lo, hi)
}

// checkCRC reports whether the last two bytes of frame are its checksum.
func checkCRC(frame []byte) bool {
	if len(frame) < 3 {
		return false
	}
	lo, hi := CRC16(frame[:len(frame)-2])
	return frame[len(frame)-2] == lo && frame[len(frame)-1] == hi
}
