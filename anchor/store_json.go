package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// poseFile is the on-disk layout of a JSONPoseStore
type poseFile struct {
	Version     int                   `json:"version"`
	LastUpdated int64                 `json:"lastUpdated"`
	Poses       map[string]PoseRecord `json:"poses"`
}

const poseFileVersion = 1

// JSONPoseStore keeps pins in a JSON file. The previous file is kept
// beside it with an ".old" suffix and is read when the main file is missing.
type JSONPoseStore struct {
	Path string
}

// NewJSONPoseStore creates a store writing to path
func NewJSONPoseStore(path string) *JSONPoseStore {
	return &JSONPoseStore{Path: path}
}

func (s *JSONPoseStore) backupPath() string { return s.Path + ".old" }
func (s *JSONPoseStore) stagingPath() string { return s.Path + ".new" }

// SavePoses writes the table to a staging file, rotates the current file to
// the backup and moves the staging file into place
func (s *JSONPoseStore) SavePoses(ctx context.Context, poses map[string]PoseRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating pose directory: %w", err)
	}

	data, err := json.MarshalIndent(poseFile{
		Version:     poseFileVersion,
		LastUpdated: time.Now().Unix(),
		Poses:       poses,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling poses: %w", err)
	}

	if err := os.WriteFile(s.stagingPath(), data, 0644); err != nil {
		return fmt.Errorf("writing pose file: %w", err)
	}

	if _, err := os.Stat(s.Path); err == nil {
		if err := os.Rename(s.Path, s.backupPath()); err != nil {
			return fmt.Errorf("rotating pose file: %w", err)
		}
	}

	if err := os.Rename(s.stagingPath(), s.Path); err != nil {
		return fmt.Errorf("replacing pose file: %w", err)
	}
	return nil
}

// LoadPoses reads the pose file, falling back to the backup.
// It returns nil, nil when neither exists.
func (s *JSONPoseStore) LoadPoses(ctx context.Context) (map[string]PoseRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, path := range []string{s.Path, s.backupPath()} {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading pose file: %w", err)
		}

		var file poseFile
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parsing pose file %s: %w", path, err)
		}
		if file.Poses == nil {
			file.Poses = make(map[string]PoseRecord)
		}
		return file.Poses, nil
	}
	return nil, nil
}
