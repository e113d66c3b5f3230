package backend

import (
	"fmt"
	"strings"
)

// Encoding is the numeric format model weights are stored in.
type Encoding string

const (
	F32  Encoding = "f32"
	F16  Encoding = "f16"
	BF16 Encoding = "bf16"
	Q8_0 Encoding = "q8_0"
	Q4_0 Encoding = "q4_0"
)

// Encodings lists every supported encoding.
var Encodings = []Encoding{F32, F16, BF16, Q8_0, Q4_0}

// ParseEncoding maps a quantization label (as found in model file names,
// e.g. "Q4_0" or "fp16") to an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "fp32", "float32":
		return F32, nil
	case "f16", "fp16", "float16":
		return F16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	case "q8_0", "q8":
		return Q8_0, nil
	case "q4_0", "q4":
		return Q4_0, nil
	}
	return "", fmt.Errorf("backend: unsupported encoding %q", s)
}
