package audio

import "github.com/zaf/g711"

// EncodeULaw converts 16-bit little-endian linear PCM samples to µ-law.
// The input length should be even; a trailing odd byte is ignored.
func EncodeULaw(pcm []byte) []byte {
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	return g711.EncodeUlaw(pcm)
}

// DecodeULaw converts µ-law bytes to 16-bit little-endian linear PCM.
// Each µ-law byte expands to one 16-bit sample.
func DecodeULaw(ulaw []byte) []byte {
	return g711.DecodeUlaw(ulaw)
}
