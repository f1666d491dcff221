package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"unicode"

	"github.com/MigoXLab/lmeterx/pkg/models"
)

// ErrDatasetEmpty is returned when a source yields zero usable entries.
var ErrDatasetEmpty = errors.New("dataset: empty")

// ErrDatasetNotFound is returned when the source file cannot be opened.
var ErrDatasetNotFound = errors.New("dataset: not found")

// Source describes where to load a dataset from and how to interpret it.
type Source struct {
	Path string
	Kind models.Kind
	// ImageRoot is the directory image_path values are resolved against
	// (Config.UploadDir/DataDir).
	ImageRoot string
}

// Dataset is an immutable, in-memory, round-robinable sequence of
// entries built once per Runner and shared read-only across VUs.
type Dataset struct {
	entries           []Entry
	imageMissingCount int64
	skippedLines      int64
}

// ImageMissingCount reports how many image_path references failed to
// resolve to a readable file (non-fatal, spec §4.1).
func (ds *Dataset) ImageMissingCount() int64 { return ds.imageMissingCount }

// SkippedLines reports how many JSONL lines failed to parse and were
// dropped (GENERIC lines are instead retained as plain-text bodies).
func (ds *Dataset) SkippedLines() int64 { return ds.skippedLines }

// Len returns the number of materialized entries.
func (ds *Dataset) Len() int { return len(ds.entries) }

// Load reads source.Path and materializes a Dataset. Format is detected
// by the first non-whitespace byte: '[' selects a ShareGPT-style JSON
// array, anything else selects JSONL.
func Load(source Source) (*Dataset, error) {
	data, err := os.ReadFile(source.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, source.Path)
		}
		return nil, fmt.Errorf("reading dataset %s: %w", source.Path, err)
	}

	first, ok := firstNonWhitespace(data)
	var ds *Dataset
	if ok && first == '[' {
		ds, err = loadShareGPT(data)
	} else if source.Kind == models.KindGeneric {
		ds, err = loadGenericJSONL(data)
	} else {
		ds, err = loadLLMJSONL(data)
	}
	if err != nil {
		return nil, err
	}

	resolveImages(ds, source.ImageRoot)

	if len(ds.entries) == 0 {
		return nil, ErrDatasetEmpty
	}
	return ds, nil
}

func firstNonWhitespace(data []byte) (byte, bool) {
	for _, b := range data {
		if !unicode.IsSpace(rune(b)) {
			return b, true
		}
	}
	return 0, false
}

func loadLLMJSONL(data []byte) (*Dataset, error) {
	ds := &Dataset{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var raw jsonlLLMLine
		if err := json.Unmarshal(line, &raw); err != nil {
			ds.skippedLines++
			slog.Warn("dataset: skipping unparseable JSONL line", "error", err)
			continue
		}
		prompts, err := decodeStringOrArray(raw.Prompt)
		if err != nil || len(prompts) == 0 {
			ds.skippedLines++
			slog.Warn("dataset: skipping line with no usable prompt")
			continue
		}
		images, _ := decodeStringOrArray(raw.ImagePath)
		if len(images) == 0 {
			images, _ = decodeStringOrArray(raw.Image)
		}
		ds.entries = append(ds.entries, Entry{
			ID:      raw.ID,
			Prompts: prompts,
			Images:  images,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning JSONL dataset: %w", err)
	}
	return ds, nil
}

func loadGenericJSONL(data []byte) (*Dataset, error) {
	ds := &Dataset{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	i := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		i++
		var js json.RawMessage
		if err := json.Unmarshal(line, &js); err != nil {
			slog.Warn("dataset: retaining unparseable GENERIC line as plain text", "error", err)
			body, _ := json.Marshal(string(line))
			ds.entries = append(ds.entries, Entry{ID: fmt.Sprintf("line-%d", i), RawPayload: body})
			continue
		}
		ds.entries = append(ds.entries, Entry{ID: fmt.Sprintf("line-%d", i), RawPayload: js})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning JSONL dataset: %w", err)
	}
	return ds, nil
}

func loadShareGPT(data []byte) (*Dataset, error) {
	var records []shareGPTRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing ShareGPT dataset: %w", err)
	}
	ds := &Dataset{}
	for _, rec := range records {
		var prompts []string
		for _, turn := range rec.Conversations {
			if turn.From == "human" {
				prompts = append(prompts, turn.Value)
			}
		}
		if len(prompts) == 0 {
			ds.skippedLines++
			continue
		}
		var images []string
		if rec.Image != "" {
			images = []string{rec.Image}
		}
		ds.entries = append(ds.entries, Entry{ID: rec.ID, Prompts: prompts, Images: images})
	}
	return ds, nil
}

// resolveImages rewrites relative image paths against root, producing a
// DATASET_IMAGE_MISSING warning (non-fatal) for each one that doesn't
// resolve to a readable file. URLs and base64 payloads (anything not a
// bare relative path) are passed through unchanged.
func resolveImages(ds *Dataset, root string) {
	for i := range ds.entries {
		e := &ds.entries[i]
		for j, img := range e.Images {
			if !looksLikeRelativePath(img) {
				continue
			}
			full := img
			if root != "" {
				full = filepath.Join(root, img)
			}
			if _, err := os.Stat(full); err != nil {
				ds.imageMissingCount++
				slog.Warn("DATASET_IMAGE_MISSING", "entry_id", e.ID, "path", img)
				e.Images[j] = ""
				continue
			}
			e.Images[j] = full
		}
	}
}

func looksLikeRelativePath(s string) bool {
	if s == "" {
		return false
	}
	if bytes.HasPrefix([]byte(s), []byte("http://")) || bytes.HasPrefix([]byte(s), []byte("https://")) {
		return false
	}
	if bytes.HasPrefix([]byte(s), []byte("data:")) {
		return false
	}
	return true
}
