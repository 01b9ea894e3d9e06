package audio

// FrameBytes is the fixed playback chunk size delivered to clients:
// 320 little-endian PCM16 samples.
const FrameBytes = 640

// Reframe slices pcm into consecutive FrameBytes chunks. Trailing bytes that do
// not fill a whole frame are dropped and reported through dropped. Every frame
// is a copy, so callers may reuse pcm.
func Reframe(pcm []byte) (frames [][]byte, dropped int) {
	return ReframeSize(pcm, FrameBytes)
}

// ReframeSize is Reframe with a caller-chosen frame size.
func ReframeSize(pcm []byte, size int) (frames [][]byte, dropped int) {
	if size <= 0 || len(pcm) == 0 {
		return nil, len(pcm)
	}
	n := len(pcm) / size
	if n == 0 {
		return nil, len(pcm)
	}
	frames = make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		frame := make([]byte, size)
		copy(frame, pcm[i*size:(i+1)*size])
		frames = append(frames, frame)
	}
	return frames, len(pcm) - n*size
}
