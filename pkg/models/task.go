package models

import (
	"encoding/json"
	"time"
)

// Kind distinguishes an LLM-aware task from a generic HTTP load task.
type Kind string

// Kind values.
const (
	KindLLM     Kind = "LLM"
	KindGeneric Kind = "GENERIC"
)

// APIType selects the response-parsing dialect for an LLM task.
type APIType string

// APIType values.
const (
	APITypeOpenAIChat   APIType = "openai-chat"
	APITypeClaudeChat   APIType = "claude-chat"
	APITypeEmbeddings   APIType = "embeddings"
	APITypeCustomChat   APIType = "custom-chat"
)

// ChatType selects whether the request payload carries plain text or
// multimodal (text + image) content.
type ChatType string

// ChatType values.
const (
	ChatTypeText       ChatType = "text"
	ChatTypeMultimodal ChatType = "multimodal"
)

// LoadMode selects the GENERIC load profile shape.
type LoadMode string

// LoadMode values.
const (
	LoadModeFixed   LoadMode = "fixed"
	LoadModeStepped LoadMode = "stepped"
)

// CertConfig describes optional mTLS material for the target endpoint.
// Paths are resolved against Config.UploadDir before use.
type CertConfig struct {
	// CombinedPEMPath, if set, names a single file containing both the
	// certificate and the private key.
	CombinedPEMPath string `db:"combined_pem_path" json:"combined_pem_path,omitempty"`
	// CertPath/KeyPath are used when the cert and key are separate files.
	CertPath string `db:"cert_path" json:"cert_path,omitempty"`
	KeyPath  string `db:"key_path" json:"key_path,omitempty"`
	// Insecure disables server certificate verification.
	Insecure bool `db:"insecure" json:"insecure"`
}

// FieldMapping carries the dot-path configuration from spec §6. Every
// field is a dot-separated path (array indices as integers, "*" as
// wildcard-first-match) into either the request payload or the response
// body, except the four stream-framing fields StreamPrefix, StopFlag,
// DataFormat and EndPrefix.
type FieldMapping struct {
	Prompt           string `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Image            string `json:"image,omitempty" yaml:"image,omitempty"`
	Content          string `json:"content,omitempty" yaml:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty" yaml:"reasoning_content,omitempty"`
	PromptTokens     string `json:"prompt_tokens,omitempty" yaml:"prompt_tokens,omitempty"`
	CompletionTokens string `json:"completion_tokens,omitempty" yaml:"completion_tokens,omitempty"`
	TotalTokens      string `json:"total_tokens,omitempty" yaml:"total_tokens,omitempty"`

	StreamPrefix string `json:"stream_prefix,omitempty" yaml:"stream_prefix,omitempty"`
	StopFlag     string `json:"stop_flag,omitempty" yaml:"stop_flag,omitempty"`
	DataFormat   string `json:"data_format,omitempty" yaml:"data_format,omitempty"` // sse | ndjson | raw
	EndPrefix    string `json:"end_prefix,omitempty" yaml:"end_prefix,omitempty"`
	EndField     string `json:"end_field,omitempty" yaml:"end_field,omitempty"`
}

// LoadProfile carries the concurrency/duration/ramp configuration shared
// by LLM and GENERIC tasks, plus the GENERIC-only stepped-load fields.
type LoadProfile struct {
	ConcurrentUsers int           `db:"concurrent_users" json:"concurrent_users"`
	SpawnRate       float64       `db:"spawn_rate" json:"spawn_rate"`
	Duration        time.Duration `db:"duration" json:"duration"`
	WarmupEnabled   bool          `db:"warmup_enabled" json:"warmup_enabled"`
	WarmupDuration  time.Duration `db:"warmup_duration" json:"warmup_duration"`

	LoadMode            LoadMode      `db:"load_mode" json:"load_mode,omitempty"`
	StepStartUsers      int           `db:"step_start_users" json:"step_start_users,omitempty"`
	StepIncrement       int           `db:"step_increment" json:"step_increment,omitempty"`
	StepDuration        time.Duration `db:"step_duration" json:"step_duration,omitempty"`
	StepMaxUsers        int           `db:"step_max_users" json:"step_max_users,omitempty"`
	StepSustainDuration time.Duration `db:"step_sustain_duration" json:"step_sustain_duration,omitempty"`
}

// Task is the input record read from the tasks/common_tasks tables. A
// single shape models both: GENERIC tasks leave LLM-only fields zero.
type Task struct {
	ID        string `db:"id" json:"id"`
	Kind      Kind   `db:"kind" json:"kind"`
	Name      string `db:"name" json:"name"`
	CreatedBy string `db:"created_by" json:"created_by"`

	TargetHost string            `db:"target_host" json:"target_host"`
	APIPath    string            `db:"api_path" json:"api_path"`
	Method     string            `db:"method" json:"method"`
	Headers    map[string]string `db:"-" json:"headers,omitempty"`
	Cookies    map[string]string `db:"-" json:"cookies,omitempty"`
	CertConfig *CertConfig       `db:"-" json:"cert_config,omitempty"`

	APIType        APIType         `db:"api_type" json:"api_type,omitempty"`
	Model          string          `db:"model" json:"model,omitempty"`
	StreamMode     bool            `db:"stream_mode" json:"stream_mode"`
	ChatType       ChatType        `db:"chat_type" json:"chat_type,omitempty"`
	RequestPayload json.RawMessage `db:"-" json:"request_payload,omitempty"`
	FieldMapping   FieldMapping    `db:"-" json:"field_mapping"`

	DatasetID   *string `db:"dataset_id" json:"dataset_id,omitempty"`
	DatasetPath *string `db:"dataset_path" json:"dataset_path,omitempty"`

	LoadProfile

	Status      Status     `db:"status" json:"status"`
	IsDeleted   bool       `db:"is_deleted" json:"-"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	LockedBy    *string    `db:"locked_by" json:"-"`
	LockedAt    *time.Time `db:"locked_at" json:"-"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	ErrorMessage string    `db:"error_message" json:"error_message,omitempty"`
}

// IsLLM reports whether this task exercises the LLM response parsers.
func (t *Task) IsLLM() bool { return t.Kind == KindLLM }
