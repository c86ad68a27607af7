package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Directory names used under a master data directory.
const (
	JournalDirName    = "journal"
	CheckpointDirName = "checkpoints"
)

// ListJournalSegments returns the journal segment paths under dataDir.
// Returns an error if the journal directory does not exist or cannot be read.
func ListJournalSegments(dataDir string) ([]string, error) {
	return listWithSuffix(filepath.Join(dataDir, JournalDirName), ".journal")
}

// ListCheckpoints returns the checkpoint file paths under dataDir, ignoring
// unfinished temporary files.
func ListCheckpoints(dataDir string) ([]string, error) {
	return listWithSuffix(filepath.Join(dataDir, CheckpointDirName), ".ckpt")
}

func listWithSuffix(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

// RequireJournalPresent asserts that dataDir holds at least one journal
// segment.
func RequireJournalPresent(t *testing.T, dataDir string) {
	t.Helper()
	files, err := ListJournalSegments(dataDir)
	if err != nil {
		t.Fatalf("expected journal directory under %s: %v", dataDir, err)
	}
	if len(files) == 0 {
		t.Fatalf("expected journal segments under %s, none found", dataDir)
	}
}

// RequireCheckpointPresent asserts that dataDir holds at least one
// checkpoint and returns the newest path.
func RequireCheckpointPresent(t *testing.T, dataDir string) string {
	t.Helper()
	files, err := ListCheckpoints(dataDir)
	if err != nil {
		t.Fatalf("expected checkpoint directory under %s: %v", dataDir, err)
	}
	if len(files) == 0 {
		t.Fatalf("expected checkpoints under %s, none found", dataDir)
	}
	return files[len(files)-1]
}
