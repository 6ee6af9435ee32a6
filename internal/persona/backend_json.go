package persona

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// DefaultJSONPath is the persona file used when no path is configured.
const DefaultJSONPath = "personas.json"

// jsonDocument is the on-disk layout. JSON object keys are strings, so ids are
// converted at the boundary.
type jsonDocument struct {
	NextID            int64              `json:"id"`
	AvailablePersonas map[string]Persona `json:"available_personas"`
	Personas          map[string]int64   `json:"personas"`
}

// JSONBackend stores the snapshot as one indented JSON document, rewritten in
// full on every save.
type JSONBackend struct {
	path   string
	logger *slog.Logger
}

var _ Backend = (*JSONBackend)(nil)

// NewJSONBackend creates a backend for path.
func NewJSONBackend(path string, logger *slog.Logger) *JSONBackend {
	if path == "" {
		path = DefaultJSONPath
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &JSONBackend{path: path, logger: logger}
}

// Path returns the document location.
func (b *JSONBackend) Path() string {
	return b.path
}

// Load reads the document, creating an empty one when the file is missing.
func (b *JSONBackend) Load(ctx context.Context) (Snapshot, error) {
	raw, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		b.logger.WarnContext(ctx, "creating new persona file", "path", b.path)
		empty := EmptySnapshot()
		if err := b.Save(ctx, empty); err != nil {
			return Snapshot{}, fmt.Errorf("load %s: %w", b.path, err)
		}

		return empty, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load %s: %w", b.path, err)
	}

	snapshot, err := DecodeJSON(raw)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load %s: %w", b.path, err)
	}

	return snapshot, nil
}

// Save atomically replaces the document.
func (b *JSONBackend) Save(_ context.Context, snapshot Snapshot) error {
	encoded, err := EncodeJSON(snapshot)
	if err != nil {
		return fmt.Errorf("save %s: %w", b.path, err)
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("save %s: create directory: %w", b.path, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("save %s: create temp file: %w", b.path, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(encoded); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("save %s: write: %w", b.path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("save %s: sync: %w", b.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save %s: close: %w", b.path, err)
	}
	if err := os.Rename(tmpPath, b.path); err != nil {
		return fmt.Errorf("save %s: rename: %w", b.path, err)
	}

	return nil
}

// Close is a no-op; every save is already flushed.
func (b *JSONBackend) Close() error {
	return nil
}

// EncodeJSON renders snapshot in the persona file format.
func EncodeJSON(snapshot Snapshot) ([]byte, error) {
	document := jsonDocument{
		NextID:            snapshot.NextID,
		AvailablePersonas: make(map[string]Persona, len(snapshot.Personas)),
		Personas:          make(map[string]int64, len(snapshot.Assignments)),
	}
	for id, stored := range snapshot.Personas {
		document.AvailablePersonas[strconv.FormatInt(id, 10)] = stored
	}
	for userID, personaID := range snapshot.Assignments {
		document.Personas[strconv.FormatInt(userID, 10)] = personaID
	}

	encoded, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode persona document: %w", err)
	}

	return encoded, nil
}

// DecodeJSON parses the persona file format.
func DecodeJSON(raw []byte) (Snapshot, error) {
	var document jsonDocument
	if err := json.Unmarshal(raw, &document); err != nil {
		return Snapshot{}, fmt.Errorf("decode persona document: %w", err)
	}

	snapshot := EmptySnapshot()
	snapshot.NextID = document.NextID
	for key, stored := range document.AvailablePersonas {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return Snapshot{}, fmt.Errorf("decode persona document: persona key %q: %w", key, err)
		}
		stored.ID = id
		snapshot.Personas[id] = stored
	}
	for key, personaID := range document.Personas {
		userID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return Snapshot{}, fmt.Errorf("decode persona document: user key %q: %w", key, err)
		}
		snapshot.Assignments[userID] = personaID
	}

	return snapshot, nil
}
