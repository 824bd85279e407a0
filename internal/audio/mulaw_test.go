package audio

import "testing"

func TestMulawSilence(t *testing.T) {
	if got := MulawEncode(0); got != 0xFF {
		t.Fatalf("MulawEncode(0) = %#x, want 0xff", got)
	}
	if got := MulawDecode(0xFF); got != 0 {
		t.Fatalf("MulawDecode(0xff) = %d, want 0", got)
	}
}

func TestMulawRoundTripTolerance(t *testing.T) {
	// Companding is lossy; quantization error grows with amplitude. The
	// error bound per segment is half the step size, generously 1/16 of
	// the magnitude plus the bias region.
	samples := []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000, 32767, -32768}
	for _, s := range samples {
		got := MulawDecode(MulawEncode(s))
		diff := int32(got) - int32(s)
		if diff < 0 {
			diff = -diff
		}
		limit := int32(s) / 16
		if limit < 0 {
			limit = -limit
		}
		limit += 140 // bias region around zero
		if diff > limit {
			t.Fatalf("round trip %d -> %d, error %d exceeds %d", s, got, diff, limit)
		}
	}
}

func TestMulawSignPreserved(t *testing.T) {
	for _, s := range []int16{500, 5000, 20000} {
		if MulawDecode(MulawEncode(s)) <= 0 {
			t.Fatalf("positive sample %d decoded non-positive", s)
		}
		if MulawDecode(MulawEncode(-s)) >= 0 {
			t.Fatalf("negative sample %d decoded non-negative", -s)
		}
	}
}

func TestMulawMonotonicOrdering(t *testing.T) {
	// Louder PCM never decodes quieter after companding.
	prev := MulawDecode(MulawEncode(0))
	for s := int16(100); s <= 30000 && s > 0; s += 100 {
		cur := MulawDecode(MulawEncode(s))
		if cur < prev {
			t.Fatalf("decoded value decreased at %d: %d < %d", s, cur, prev)
		}
		prev = cur
	}
}

func TestMulawSliceConversions(t *testing.T) {
	pcm := []int16{0, 1000, -1000, 8000}
	encoded := PCMToMulaw(pcm)
	if len(encoded) != len(pcm) {
		t.Fatalf("encoded length = %d, want %d", len(encoded), len(pcm))
	}
	decoded := MulawToPCM(encoded)
	if len(decoded) != len(pcm) {
		t.Fatalf("decoded length = %d, want %d", len(decoded), len(pcm))
	}
	for i := range pcm {
		if decoded[i] != MulawDecode(MulawEncode(pcm[i])) {
			t.Fatalf("slice conversion diverges from scalar at %d", i)
		}
	}
}
