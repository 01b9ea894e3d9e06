package audio

import "encoding/binary"

// Upsample2x doubles the sample rate of little-endian PCM16 by linear
// interpolation (8kHz telephony audio into the 16kHz upstream input format).
func Upsample2x(pcm []byte) []byte {
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		cur := int32(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		next := cur
		if i+1 < n {
			next = int32(int16(binary.LittleEndian.Uint16(pcm[(i+1)*2:])))
		}
		binary.LittleEndian.PutUint16(out[i*4:], uint16(int16(cur)))
		binary.LittleEndian.PutUint16(out[i*4+2:], uint16(int16((cur+next)/2)))
	}
	return out
}

// Downsample averages every factor samples of little-endian PCM16 into one.
// Incomplete trailing groups are dropped.
func Downsample(pcm []byte, factor int) []byte {
	if factor <= 1 {
		out := make([]byte, len(pcm)&^1)
		copy(out, pcm)
		return out
	}
	n := len(pcm) / 2 / factor
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		var sum int32
		for j := 0; j < factor; j++ {
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[(i*factor+j)*2:])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/int32(factor))))
	}
	return out
}
