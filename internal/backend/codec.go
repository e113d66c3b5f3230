package backend

// ByteCodec maps text to tokens one byte per token. Ids 0..255 are bytes;
// larger ids have no text. It lets the reference model serve text prompts
// and stop strings without a real tokenizer.
type ByteCodec struct{}

// ByteVocab is the smallest vocabulary ByteCodec can address.
const ByteVocab = 256

func (ByteCodec) Encode(s string) []int32 {
	out := make([]int32, len(s))
	for i := 0; i < len(s); i++ {
		out[i] = int32(s[i])
	}
	return out
}

func (ByteCodec) Decode(tokens []int32) string {
	buf := make([]byte, 0, len(tokens))
	for _, t := range tokens {
		if t >= 0 && t < ByteVocab {
			buf = append(buf, byte(t))
		}
	}
	return string(buf)
}
