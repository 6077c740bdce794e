package api

// StoryRequest is the body of POST /v1/stories. Unset sampling fields fall
// back to the checkpoint's generation_config.json.
type StoryRequest struct {
	Prompt            string   `json:"prompt"`
	MaxLength         *int     `json:"max_length,omitempty"`
	Seed              *int64   `json:"seed,omitempty"`
	DoSample          *bool    `json:"do_sample,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
	TopK              *int     `json:"top_k,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	MinP              *float64 `json:"min_p,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`
	RepetitionWindow  *int     `json:"repetition_window,omitempty"`
	Stream            *bool    `json:"stream,omitempty"`
}

type Story struct {
	ID          string      `json:"id"`
	Object      string      `json:"object"`
	CreatedAt   int64       `json:"created_at"`
	CompletedAt *int64      `json:"completed_at,omitempty"`
	Status      string      `json:"status"`
	Prompt      string      `json:"prompt"`
	Text        string      `json:"text"`
	Tokens      int         `json:"tokens"`
	Usage       *StoryUsage `json:"usage,omitempty"`
	StopReason  string      `json:"stop_reason,omitempty"`
	Device      string      `json:"device,omitempty"`
	ModelType   string      `json:"model_type,omitempty"`
	Error       *APIError   `json:"error,omitempty"`
}

type StoryUsage struct {
	PromptTokens    int     `json:"prompt_tokens"`
	GeneratedTokens int     `json:"generated_tokens"`
	TokensPerSecond float64 `json:"tokens_per_second"`
}

type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Device    string `json:"device"`
	Engine    string `json:"engine"`
	ModelType string `json:"model_type"`
}

type DeletedResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

// Story statuses.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)
