package types

// GenerateRequest represents a generation request payload.
type GenerateRequest struct {
	// Optional model identifier. If empty, the server default is used.
	// example: tinyllama-q4_0.gguf
	Model string `json:"model,omitempty" example:"tinyllama-q4_0.gguf"`
	// Optional request identifier used by DELETE /requests/{id}. Assigned by the server when empty.
	// example: 5b0c7a51-2f7e-4a39-9c62-3c3f0f6b1e2d
	RequestID string `json:"request_id,omitempty" example:"5b0c7a51-2f7e-4a39-9c62-3c3f0f6b1e2d"`
	// Prompt text. Ignored when prompt_tokens is set.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt,omitempty" example:"Write a haiku about the ocean."`
	// Pre-tokenized prompt.
	PromptTokens []int32 `json:"prompt_tokens,omitempty"`
	// If true, stream results as NDJSON token events.
	// example: true
	Stream bool `json:"stream,omitempty" example:"true"`
	// Number of parallel samples drawn from the prompt.
	// example: 1
	N int `json:"n,omitempty" example:"1"`
	// Maximum number of new tokens to generate per sample.
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// Sampling temperature; 0 selects greedy decoding. Omitted means 1.
	// example: 0.7
	Temperature *float64 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float64 `json:"top_p,omitempty" example:"0.9"`
	// Top-K sampling: limit candidates to top K tokens.
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// Min-P sampling: drop tokens below min_p times the top probability.
	// example: 0.05
	MinP float64 `json:"min_p,omitempty" example:"0.05"`
	// Repetition penalty applied to every token seen so far.
	// example: 1.1
	RepeatPenalty float64 `json:"repeat_penalty,omitempty" example:"1.1"`
	// Frequency penalty in [-2, 2].
	FrequencyPenalty float64 `json:"frequency_penalty,omitempty"`
	// Presence penalty in [-2, 2].
	PresencePenalty float64 `json:"presence_penalty,omitempty"`
	// Optional stop sequences. Generation stops when any sequence is matched.
	// example: ["\n\n","END"]
	Stop []string `json:"stop,omitempty" example:"[\"\\n\\n\",\"END\"]"`
	// Optional stop token ids.
	StopTokens []int32 `json:"stop_tokens,omitempty"`
	// Emit the token that matched a stop rule.
	IncludeStop bool `json:"include_stop,omitempty"`
	// Keep generating past end-of-sequence tokens.
	IgnoreEOS bool `json:"ignore_eos,omitempty"`
	// Random seed for reproducibility; omitted lets the server choose.
	// example: 42
	Seed *int64 `json:"seed,omitempty" example:"42"`
	// Admission priority under the priority policy; higher goes first.
	// example: 0
	Priority int `json:"priority,omitempty" example:"0"`
}

// TokenEvent is one NDJSON line of a streamed generation.
type TokenEvent struct {
	RequestID string `json:"request_id"`
	// Sample index within the request.
	Index int   `json:"index"`
	Token int32 `json:"token,omitempty"`
	// Decoded text of token.
	Text string `json:"text,omitempty"`
	// Done closes one sample.
	Done bool `json:"done,omitempty"`
	// Final is set on the last line of the stream.
	Final        bool   `json:"final,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Choice is one sample of a non-streamed generation.
type Choice struct {
	Index        int     `json:"index"`
	Tokens       []int32 `json:"tokens"`
	Text         string  `json:"text"`
	FinishReason string  `json:"finish_reason"`
	Error        string  `json:"error,omitempty"`
}

// Usage contains token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerateResponse is returned by POST /generate when stream is false.
type GenerateResponse struct {
	RequestID    string   `json:"request_id"`
	Model        string   `json:"model"`
	Choices      []Choice `json:"choices"`
	FinishReason string   `json:"finish_reason"`
	Usage        Usage    `json:"usage"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// List of available models.
	Models []Model `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// EngineStatus reports the batching state of one instance.
type EngineStatus struct {
	Waiting         int    `json:"waiting"`
	Running         int    `json:"running"`
	Swapped         int    `json:"swapped"`
	FreeBlocks      int    `json:"free_blocks"`
	TotalBlocks     int    `json:"total_blocks"`
	CachedBlocks    int    `json:"cached_blocks"`
	HostFreeBlocks  int    `json:"host_free_blocks"`
	HostTotalBlocks int    `json:"host_total_blocks"`
	Steps           uint64 `json:"steps"`
	GeneratedTokens uint64 `json:"generated_tokens"`
	Preemptions     uint64 `json:"preemptions"`
	Streams         int    `json:"streams"`
}

// InstanceStatus summarizes a loaded instance for /status.
type InstanceStatus struct {
	// ID of the model this instance serves.
	// example: tinyllama-q4_0.gguf
	ModelID string `json:"model_id" example:"tinyllama-q4_0.gguf"`
	// Current lifecycle state of the instance (loading, ready, draining).
	// example: ready
	State string `json:"state" example:"ready"`
	// Weight encoding the instance was loaded with.
	// example: q4_0
	Encoding string `json:"encoding" example:"q4_0"`
	// Last time this instance served a request (unix seconds).
	// example: 1700000000
	LastUsed int64 `json:"last_used_unix" example:"1700000000"`
	// Estimated VRAM usage in MB.
	// example: 1200
	EstVRAMMB int `json:"est_vram_mb" example:"1200"`
	// Submissions not yet picked up by the engine loop.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// Number of requests submitted and not yet finished.
	// example: 1
	Inflight int `json:"inflight" example:"1"`
	// Maximum queued submissions allowed before backpressure triggers.
	// example: 32
	MaxQueueDepth int          `json:"max_queue_depth" example:"32"`
	Engine        EngineStatus `json:"engine"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Loaded/managed instances.
	Instances []InstanceStatus `json:"instances"`
	// VRAM budget in MB across all instances.
	// example: 8192
	BudgetMB int `json:"budget_mb" example:"8192"`
	// Estimated used VRAM in MB.
	// example: 2048
	UsedMB int `json:"used_est_mb" example:"2048"`
	// Reserved VRAM margin in MB.
	// example: 512
	MarginMB int `json:"margin_mb" example:"512"`
	// Last error observed by the manager (if any).
	Error string `json:"error,omitempty"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
	// Total number of evictions performed to free VRAM.
	// example: 5
	EvictionsTotal uint64 `json:"evictions_total" example:"5"`
	// Total number of model loads.
	// example: 12
	LoadsTotal uint64 `json:"loads_total" example:"12"`
	// Overall manager state (loading, ready, error).
	// example: ready
	State string `json:"state" example:"ready"`
	// Number of instances currently loading.
	// example: 1
	WarmupsInProgress int `json:"warmups_in_progress" example:"1"`
	// Number of instances currently draining.
	// example: 0
	DrainingCount int `json:"draining_count" example:"0"`
}
