package config

import (
	"embed"
	"fmt"
	"sync"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/MigoXLab/lmeterx/pkg/models"
)

//go:embed fieldmapping.yaml
var fieldMappingFS embed.FS

// rawFieldMapping mirrors one api_type's block in fieldmapping.yaml,
// including the stream-only variants that never appear on
// models.FieldMapping itself (a task's own field_mapping has one
// "content"/"reasoning_content" key regardless of stream_mode; only the
// built-in *default* for that key depends on stream_mode, per spec §6).
type rawFieldMapping struct {
	Prompt                 string `yaml:"prompt"`
	Image                  string `yaml:"image"`
	Content                string `yaml:"content"`
	StreamContent          string `yaml:"stream_content"`
	ReasoningContent       string `yaml:"reasoning_content"`
	StreamReasoningContent string `yaml:"stream_reasoning_content"`
	PromptTokens           string `yaml:"prompt_tokens"`
	CompletionTokens       string `yaml:"completion_tokens"`
	TotalTokens            string `yaml:"total_tokens"`
	StreamPrefix           string `yaml:"stream_prefix"`
	StopFlag               string `yaml:"stop_flag"`
	DataFormat             string `yaml:"data_format"`
	EndPrefix              string `yaml:"end_prefix"`
	EndField               string `yaml:"end_field"`
}

// resolve picks the content/reasoning_content default for streamMode and
// drops the stream-only keys, producing the models.FieldMapping the rest
// of the engine works with.
func (r rawFieldMapping) resolve(streamMode bool) models.FieldMapping {
	content := r.Content
	if streamMode && r.StreamContent != "" {
		content = r.StreamContent
	}
	reasoning := r.ReasoningContent
	if streamMode && r.StreamReasoningContent != "" {
		reasoning = r.StreamReasoningContent
	}
	return models.FieldMapping{
		Prompt:           r.Prompt,
		Image:            r.Image,
		Content:          content,
		ReasoningContent: reasoning,
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		TotalTokens:      r.TotalTokens,
		StreamPrefix:     r.StreamPrefix,
		StopFlag:         r.StopFlag,
		DataFormat:       r.DataFormat,
		EndPrefix:        r.EndPrefix,
		EndField:         r.EndField,
	}
}

var (
	builtinOnce sync.Once
	builtinErr  error
	builtin     map[models.APIType]rawFieldMapping
)

// loadBuiltinFieldMappings parses the embedded fieldmapping.yaml once, the
// way the teacher's pkg/config/builtin.go loads its embedded built-in
// agents/chains once and caches them.
func loadBuiltinFieldMappings() (map[models.APIType]rawFieldMapping, error) {
	builtinOnce.Do(func() {
		data, err := fieldMappingFS.ReadFile("fieldmapping.yaml")
		if err != nil {
			builtinErr = fmt.Errorf("reading embedded fieldmapping.yaml: %w", err)
			return
		}
		var raw map[models.APIType]rawFieldMapping
		if err := yaml.Unmarshal(ExpandEnv(data), &raw); err != nil {
			builtinErr = fmt.Errorf("parsing embedded fieldmapping.yaml: %w", err)
			return
		}
		builtin = raw
	})
	return builtin, builtinErr
}

// DefaultFieldMapping returns the built-in field-mapping defaults for the
// given api_type (spec §6), selecting the streaming or non-streaming
// content/reasoning_content path per streamMode. custom-chat returns an
// (almost) empty mapping since it "uses only the provided mapping".
func DefaultFieldMapping(apiType models.APIType, streamMode bool) (models.FieldMapping, error) {
	all, err := loadBuiltinFieldMappings()
	if err != nil {
		return models.FieldMapping{}, err
	}
	raw, ok := all[apiType]
	if !ok {
		return models.FieldMapping{}, fmt.Errorf("no built-in field mapping for api_type %q", apiType)
	}
	return raw.resolve(streamMode), nil
}

// ResolveFieldMapping merges a task's field mapping on top of the
// api_type's stream-aware built-in defaults: the task's non-zero fields
// win, exactly as the teacher's pkg/config/merge.go merges user YAML over
// built-in registries via mergo (WithOverride).
func ResolveFieldMapping(apiType models.APIType, override models.FieldMapping, streamMode bool) (models.FieldMapping, error) {
	resolved, err := DefaultFieldMapping(apiType, streamMode)
	if err != nil {
		return models.FieldMapping{}, err
	}
	if err := mergo.Merge(&resolved, override, mergo.WithOverride); err != nil {
		return models.FieldMapping{}, fmt.Errorf("merging field mapping: %w", err)
	}
	return resolved, nil
}
