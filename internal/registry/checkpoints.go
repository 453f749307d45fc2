package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"loraserve/internal/common/fsutil"
	"loraserve/pkg/types"
)

// FinalCheckpoint is the directory name a training run writes its adapter to.
const FinalCheckpoint = "final_checkpoint"

// RunDir returns the output directory for the training run id under root.
func RunDir(root, id string) string {
	return fmt.Sprintf("%s-%s", filepath.Clean(root), id)
}

// ListCheckpoints scans the run directories created under root (named
// root-<id>) and returns those holding a final checkpoint, newest first.
// active marks the adapter currently served.
func ListCheckpoints(root, active string) ([]types.Adapter, error) {
	base, err := fsutil.ExpandHome(root)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(filepath.Clean(base))
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	matches, err := filepath.Glob(abs + "-*")
	if err != nil {
		return nil, fmt.Errorf("glob: %w", err)
	}
	activeAbs := ""
	if active != "" {
		if a, err := filepath.Abs(active); err == nil {
			activeAbs = a
		}
	}
	out := make([]types.Adapter, 0, len(matches))
	for _, run := range matches {
		if !fsutil.IsDir(run) {
			continue
		}
		ckpt := filepath.Join(run, FinalCheckpoint)
		fi, err := os.Stat(ckpt)
		if err != nil || !fi.IsDir() {
			continue
		}
		out = append(out, types.Adapter{
			Path:         ckpt,
			RunDir:       run,
			ModifiedUnix: fi.ModTime().Unix(),
			Active:       ckpt == activeAbs,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ModifiedUnix != out[j].ModifiedUnix {
			return out[i].ModifiedUnix > out[j].ModifiedUnix
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}
