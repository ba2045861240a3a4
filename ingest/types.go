// Package ingest defines the wire shapes for incoming error events and
// LLM traces, and validates/stamps them into the Processed* shapes the
// pipeline workers consume.
package ingest

// RawEvent is the as-received shape of a single error event, prior to
// validation or fingerprinting.
type RawEvent struct {
	Timestamp     int64                  `json:"timestamp"`
	Source        string                 `json:"source"`
	Environment   string                 `json:"environment"`
	Release       string                 `json:"release"`
	ErrorType     string                 `json:"error_type"`
	Message       string                 `json:"message"`
	Stack         string                 `json:"stack,omitempty"`
	Route         string                 `json:"route,omitempty"`
	Screen        string                 `json:"screen,omitempty"`
	HTTPStatus    *int                   `json:"http_status,omitempty"`
	RequestID     string                 `json:"request_id,omitempty"`
	UserIDHash    string                 `json:"user_id_hash,omitempty"`
	DeviceIDHash  string                 `json:"device_id_hash,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Fingerprint   string                 `json:"fingerprint,omitempty"` // rare: caller-supplied
}

// ProcessedEvent is a RawEvent that has passed validation and been
// stamped with a fingerprint and a receive timestamp.
type ProcessedEvent struct {
	ProjectID     string
	Fingerprint   string
	Source        string
	Environment   string
	Release       string
	ErrorType     string
	Message       string
	Stack         string
	Route         string
	Screen        string
	HTTPStatus    *int
	RequestID     string
	UserIDHash    string
	DeviceIDHash  string
	MetadataJSON  string // already-serialized, size-checked JSON
	OccurredAtMs  int64
	ReceivedAtMs  int64
}

// RawSpan is the as-received shape of one LLM span.
type RawSpan struct {
	ID                 string                 `json:"id"`
	ParentSpanID       string                 `json:"parent_span_id,omitempty"`
	SpanType           string                 `json:"span_type"`
	Name               string                 `json:"name"`
	Model              string                 `json:"model,omitempty"`
	Provider           string                 `json:"provider,omitempty"`
	InputTokens        int64                  `json:"input_tokens"`
	OutputTokens       int64                  `json:"output_tokens"`
	Cost               float64                `json:"cost"` // dollars, as submitted
	LatencyMs          int64                  `json:"latency_ms"`
	TimeToFirstTokenMs *int64                 `json:"time_to_first_token_ms,omitempty"`
	Status             string                 `json:"status"`
	ErrorMessage       string                 `json:"error_message,omitempty"`
	Input              interface{}            `json:"input,omitempty"`
	Output             interface{}            `json:"output,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	StartedAt          int64                  `json:"started_at"`
	EndedAt            *int64                 `json:"ended_at,omitempty"`
}

// RawTrace is the as-received shape of one LLM trace.
type RawTrace struct {
	ID            string      `json:"id"`
	SessionID     string      `json:"session_id,omitempty"`
	UserID        string      `json:"user_id,omitempty"`
	Name          string      `json:"name"`
	Status        string      `json:"status"`
	Input         interface{} `json:"input,omitempty"`
	Output        interface{} `json:"output,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	PromptName    string      `json:"prompt_name,omitempty"`
	PromptVersion string      `json:"prompt_version,omitempty"`
	StartedAt     int64       `json:"started_at"`
	EndedAt       *int64      `json:"ended_at,omitempty"`
	Spans         []RawSpan   `json:"spans"`
}

// ProcessedSpan is a RawSpan after content-policy stripping and cost
// attribution.
type ProcessedSpan struct {
	ID                 string
	ParentSpanID       string
	SpanType           string
	Name               string
	Model              string
	Provider           string
	InputTokens        int64
	OutputTokens       int64
	CostMicros         int64
	LatencyMs          int64
	TimeToFirstTokenMs *int64
	Status             string
	ErrorMessage       string
	InputJSON          string
	OutputJSON         string
	MetadataJSON       string
	StartedAtMs        int64
	EndedAtMs          *int64
}

// ProcessedTrace is a RawTrace after validation, content-policy
// stripping, and span cost attribution.
type ProcessedTrace struct {
	ProjectID     string
	ID            string
	SessionID     string
	UserID        string
	Name          string
	Status        string
	InputTokens   int64
	OutputTokens  int64
	TotalTokens   int64
	CostMicros    int64
	InputJSON     string
	OutputJSON    string
	MetadataJSON  string
	PromptName    string
	PromptVersion string
	StartedAtMs   int64
	EndedAtMs     *int64
	CreatedAtMs   int64
	Spans         []ProcessedSpan
}

// TraceUpdate captures the partial fields PUT /v1/traces/{id} may set;
// nil fields mean "leave unchanged" in the dynamic UPDATE this drives.
type TraceUpdate struct {
	Status       *string
	Output       interface{}
	HasOutput    bool
	EndedAt      *int64
	InputTokens  *int64
	OutputTokens *int64
	Cost         *float64 // dollars; always converted to micros on write
}
