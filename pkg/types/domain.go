package types

// Model represents a discoverable or loadable LLM model on disk.
type Model struct {
	// Stable identifier for the model.
	// example: tinyllama-q4
	ID string `json:"id" example:"tinyllama-q4"`
	// Human-friendly name.
	// example: TinyLlama (Q4)
	Name string `json:"name" example:"TinyLlama (Q4)"`
	// Absolute path to the model file on disk.
	// example: /home/user/models/tinyllama-q4_0.gguf
	Path string `json:"path" example:"/home/user/models/tinyllama-q4_0.gguf"`
	// Weight encoding derived from the file name (f32, f16, bf16, q8_0, q4_0).
	// example: q4_0
	Quant string `json:"quant" example:"q4_0"`
	// Optional family (e.g., llama, mistral, phi).
	// example: llama
	Family string `json:"family,omitempty" example:"llama"`
}
