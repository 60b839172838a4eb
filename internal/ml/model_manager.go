package ml

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// maxModelVersions bounds the ledger; the oldest entries are dropped first.
const maxModelVersions = 50

// ModelVersion records one successful training pass.
type ModelVersion struct {
	ID        string       `json:"id"`
	Version   string       `json:"version"`
	CreatedAt time.Time    `json:"created_at"`
	Metrics   ModelMetrics `json:"metrics"`
	IsActive  bool         `json:"is_active"`
}

// ModelMetrics summarises the population and outcome of a training pass.
type ModelMetrics struct {
	DonorCount      int      `json:"donor_count"`
	TrainingSeconds float64  `json:"training_seconds"`
	EnsembleTarget  string   `json:"ensemble_target"`
	TopFeatures     []string `json:"top_features"`
}

// ModelManager keeps the ledger of training passes, newest first, and
// persists it as JSON under the models directory.
type ModelManager struct {
	mu           sync.RWMutex
	modelsDir    string
	versionsFile string
	versions     []ModelVersion
	currentModel *ModelVersion
}

// NewModelManager creates a new model manager
func NewModelManager(modelsDir string) (*ModelManager, error) {
	if err := os.MkdirAll(modelsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create models directory: %w", err)
	}

	mm := &ModelManager{
		modelsDir:    modelsDir,
		versionsFile: filepath.Join(modelsDir, "model_versions.json"),
		versions:     make([]ModelVersion, 0),
	}

	if err := mm.loadVersions(); err != nil {
		log.Warn().Err(err).Msg("Failed to load model versions, starting fresh")
	}

	return mm, nil
}

// AddVersion records a new training pass and makes it the active version.
func (mm *ModelManager) AddVersion(createdAt time.Time, metrics ModelMetrics) (ModelVersion, error) {
	// The id suffix keeps passes finishing in the same second apart.
	id := uuid.NewString()
	version := ModelVersion{
		ID:        id,
		Version:   createdAt.UTC().Format("20060102-150405") + "-" + id[:8],
		CreatedAt: createdAt,
		Metrics:   metrics,
		IsActive:  true,
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()

	for i := range mm.versions {
		mm.versions[i].IsActive = false
	}
	mm.versions = append(mm.versions, version)
	sort.SliceStable(mm.versions, func(i, j int) bool {
		return mm.versions[i].CreatedAt.After(mm.versions[j].CreatedAt)
	})
	if len(mm.versions) > maxModelVersions {
		mm.versions = mm.versions[:maxModelVersions]
	}
	mm.refreshCurrent()

	return version, mm.saveVersions()
}

// GetCurrentVersion returns the currently active version, or nil before any
// training pass has been recorded.
func (mm *ModelManager) GetCurrentVersion() *ModelVersion {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	if mm.currentModel == nil {
		return nil
	}
	v := *mm.currentModel
	return &v
}

// ListVersions returns all model versions, newest first.
func (mm *ModelManager) ListVersions() []ModelVersion {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	out := make([]ModelVersion, len(mm.versions))
	copy(out, mm.versions)
	return out
}

func (mm *ModelManager) refreshCurrent() {
	mm.currentModel = nil
	for i := range mm.versions {
		if mm.versions[i].IsActive {
			mm.currentModel = &mm.versions[i]
			return
		}
	}
}

// loadVersions loads model versions from file
func (mm *ModelManager) loadVersions() error {
	data, err := os.ReadFile(mm.versionsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()

	if err := json.Unmarshal(data, &mm.versions); err != nil {
		return err
	}
	mm.refreshCurrent()
	return nil
}

// saveVersions saves model versions to file
func (mm *ModelManager) saveVersions() error {
	data, err := json.MarshalIndent(mm.versions, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(mm.versionsFile, data, 0o600)
}
