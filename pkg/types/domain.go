package types

// Adapter describes a trained adapter checkpoint on disk.
type Adapter struct {
	// Absolute path to the adapter directory.
	// example: /srv/loraserve/runs-6f1c.../final_checkpoint
	Path string `json:"path" example:"/srv/loraserve/runs-6f1c/final_checkpoint"`
	// Training run directory the checkpoint belongs to.
	// example: /srv/loraserve/runs-6f1c...
	RunDir string `json:"run_dir" example:"/srv/loraserve/runs-6f1c"`
	// Last modification time of the checkpoint (unix seconds).
	// example: 1700000000
	ModifiedUnix int64 `json:"modified_unix" example:"1700000000"`
	// True when this checkpoint is the adapter currently being served.
	Active bool `json:"active"`
}

// TrainingJob is the externally visible state of a retraining job.
type TrainingJob struct {
	// Job identifier.
	// example: 3f0a6f7e-2b1c-4c55-9d57-5b1d7a0c9e11
	ID string `json:"id" example:"3f0a6f7e-2b1c-4c55-9d57-5b1d7a0c9e11"`
	// Original upload filename.
	// example: purchases.json
	Filename string `json:"filename" example:"purchases.json"`
	// Current state: received, transforming, training, swapping, succeeded, failed.
	// example: training
	Status string `json:"status" example:"training"`
	// Adapter the job continues training from.
	BaseAdapter string `json:"base_adapter,omitempty"`
	// Output directory of the training run.
	OutputDir string `json:"output_dir,omitempty"`
	// Adapter produced by the job once it succeeded.
	NewAdapter string `json:"new_adapter,omitempty"`
	// Number of deduplicated training pairs.
	// example: 128
	Pairs int `json:"pairs" example:"128"`
	// Failure reason when status is failed.
	Error string `json:"error,omitempty"`
	// Set when the new adapter is live but the pointer file could not be written.
	PointerError string `json:"pointer_error,omitempty"`
	// Creation time (unix seconds).
	CreatedUnix int64 `json:"created_unix"`
	// Completion time (unix seconds), zero while running.
	FinishedUnix int64 `json:"finished_unix,omitempty"`
}
