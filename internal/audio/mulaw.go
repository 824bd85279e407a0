package audio

// G.711 µ-law companding. Telephony media streams carry 8-bit µ-law at
// 8 kHz; the engine works in 16-bit linear PCM.

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// MulawEncode compands one 16-bit linear PCM sample to 8-bit µ-law.
func MulawEncode(sample int16) byte {
	sign := byte(0)
	s := int32(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); (s&mask) == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)
	return ^(sign | (exponent << 4) | mantissa)
}

// MulawDecode expands one 8-bit µ-law sample to 16-bit linear PCM.
func MulawDecode(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F

	s := (int32(mantissa)<<3 + mulawBias) << exponent
	s -= mulawBias
	if sign != 0 {
		s = -s
	}
	return int16(s)
}

// MulawToPCM expands a µ-law byte stream to linear PCM samples.
func MulawToPCM(data []byte) []int16 {
	samples := make([]int16, len(data))
	for i, b := range data {
		samples[i] = MulawDecode(b)
	}
	return samples
}

// PCMToMulaw compands linear PCM samples to a µ-law byte stream.
func PCMToMulaw(samples []int16) []byte {
	data := make([]byte, len(samples))
	for i, s := range samples {
		data[i] = MulawEncode(s)
	}
	return data
}
