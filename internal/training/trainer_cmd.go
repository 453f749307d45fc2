package training

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"loraserve/internal/common/fsutil"
	"loraserve/internal/registry"
)

// adapterPathPrefix marks the stdout line naming the trained adapter.
const adapterPathPrefix = "ADAPTER_PATH="

const stderrTailBytes = 4096

// CommandTrainer runs an external fine-tuning program:
//
//	<Command> <Args...> --base-model M --data D --output-dir O --adapter A --epochs N
//
// Output lines are forwarded to the logger. The trained adapter is the last
// "ADAPTER_PATH=<dir>" line on stdout, else <O>/final_checkpoint.
type CommandTrainer struct {
	Command string
	Args    []string
	Logger  zerolog.Logger
}

func (c CommandTrainer) Train(ctx context.Context, spec Spec) (string, error) {
	if c.Command == "" {
		return "", fmt.Errorf("no train command configured")
	}
	args := append([]string{}, c.Args...)
	args = append(args,
		"--base-model", spec.BaseModel,
		"--data", spec.DataPath,
		"--output-dir", spec.OutputDir,
		"--adapter", spec.Adapter,
		"--epochs", strconv.Itoa(spec.Epochs),
	)
	cmd := exec.CommandContext(ctx, c.Command, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", err
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start trainer: %w", err)
	}
	log := c.Logger.With().Str("component", "trainer").Int("pid", cmd.Process.Pid).Logger()
	log.Info().Str("command", c.Command).Strs("args", args).Msg("trainer started")

	var (
		wg       sync.WaitGroup
		reported string
		tail     tailBuffer
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdout, func(line string) {
			if v, ok := strings.CutPrefix(line, adapterPathPrefix); ok {
				reported = strings.TrimSpace(v)
			}
			log.Info().Str("stream", "stdout").Msg(line)
		})
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, func(line string) {
			tail.add(line)
			log.Info().Str("stream", "stderr").Msg(line)
		})
	}()
	wg.Wait()
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("trainer failed: %w; stderr tail: %s", err, tail.String())
	}

	adapter := reported
	if adapter == "" {
		adapter = filepath.Join(spec.OutputDir, registry.FinalCheckpoint)
	}
	if !filepath.IsAbs(adapter) {
		if abs, err := filepath.Abs(adapter); err == nil {
			adapter = abs
		}
	}
	if !fsutil.IsDir(adapter) {
		return "", fmt.Errorf("trainer finished but adapter %q is not a directory", adapter)
	}
	log.Info().Str("adapter", adapter).Msg("trainer finished")
	return adapter, nil
}

func scanLines(r io.Reader, fn func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		fn(sc.Text())
	}
	// drain so the child never blocks on a full pipe
	_, _ = io.Copy(io.Discard, r)
}

// tailBuffer keeps the last stderrTailBytes of text.
type tailBuffer struct{ b []byte }

func (t *tailBuffer) add(line string) {
	t.b = append(t.b, line...)
	t.b = append(t.b, '\n')
	if len(t.b) > stderrTailBytes {
		t.b = t.b[len(t.b)-stderrTailBytes:]
	}
}

func (t *tailBuffer) String() string { return strings.TrimSpace(string(t.b)) }
