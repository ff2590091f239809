// Package storage manages staging scratch space and the final media volume.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// StagedPair holds the scratch paths for one acquisition run. The random
// infix keeps concurrent runs for the same canonical id from colliding.
type StagedPair struct {
	VideoPath string
	AudioPath string
}

// Staging allocates per-run scratch files under a single directory.
type Staging struct {
	dir string
}

// NewStaging creates the staging directory if needed.
func NewStaging(dir string) (*Staging, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir %s: %w", dir, err)
	}
	return &Staging{dir: dir}, nil
}

// Dir returns the staging directory path.
func (s *Staging) Dir() string { return s.dir }

// NewPair reserves staging paths for one run of canonicalID.
func (s *Staging) NewPair(canonicalID string) StagedPair {
	infix := uuid.NewString()[:8]
	return StagedPair{
		VideoPath: filepath.Join(s.dir, fmt.Sprintf("%s_%s_video.mp4", canonicalID, infix)),
		AudioPath: filepath.Join(s.dir, fmt.Sprintf("%s_%s_audio.mp3", canonicalID, infix)),
	}
}

// Remove deletes both staging files, ignoring files already gone.
func (s *Staging) Remove(pair StagedPair) error {
	var firstErr error
	for _, p := range []string{pair.VideoPath, pair.AudioPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
