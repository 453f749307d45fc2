package training

import "context"

// Spec is one training run.
type Spec struct {
	BaseModel string
	// DataPath is the transformed pairs file.
	DataPath  string
	OutputDir string
	// Adapter is the checkpoint training continues from.
	Adapter string
	Epochs  int
}

// Trainer produces a new adapter checkpoint and returns its directory.
type Trainer interface {
	Train(ctx context.Context, spec Spec) (string, error)
}

// TrainerFunc adapts a function to Trainer.
type TrainerFunc func(ctx context.Context, spec Spec) (string, error)

func (f TrainerFunc) Train(ctx context.Context, spec Spec) (string, error) { return f(ctx, spec) }
