package ctl

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"loraserve/pkg/types"
)

const defaultServer = "http://127.0.0.1:8000"

// Config holds the persistent flags.
type Config struct {
	Server  string
	Timeout time.Duration
}

// Main runs loractl with args and returns the process exit code.
func Main(args []string) int {
	cmd := BuildRootCmd(os.Stdout, os.LookupEnv)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	return 0
}

// BuildRootCmd constructs the command tree. Results are printed to out as
// indented JSON, except generate which prints the bare prediction.
func BuildRootCmd(out io.Writer, lookup func(string) (string, bool)) *cobra.Command {
	cfg := &Config{Server: defaultServer, Timeout: 10 * time.Minute}
	if v, ok := lookup("LORACTL_SERVER"); ok && strings.TrimSpace(v) != "" {
		cfg.Server = strings.TrimSpace(v)
	}
	root := &cobra.Command{
		Use:           "loractl",
		Short:         "Client for a loraserve instance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfg.Server, "server", cfg.Server, "Server base URL (defaults LORACTL_SERVER)")
	root.PersistentFlags().DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per-request timeout")
	client := func() *Client { return NewClient(cfg.Server, cfg.Timeout) }

	health := &cobra.Command{Use: "health", Short: "Show model identity and liveness", Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := client().Health(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(out, h)
		}}

	status := &cobra.Command{Use: "status", Short: "Show queue, swap and training state", Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client().Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(out, st)
		}}

	var (
		maxTokens   int
		temperature float64
		topP        float64
		greedy      bool
	)
	generate := &cobra.Command{Use: "generate <prompt>", Short: "Predict items bought together with the prompt",
		Example: "  loractl generate 牛奶 --max-new-tokens 64",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := types.GenerateRequest{Prompt: strings.Join(args, " ")}
			f := cmd.Flags()
			if f.Changed("max-new-tokens") {
				req.MaxNewTokens = &maxTokens
			}
			if f.Changed("temperature") {
				req.Temperature = &temperature
			}
			if f.Changed("top-p") {
				req.TopP = &topP
			}
			if f.Changed("greedy") {
				sample := !greedy
				req.DoSample = &sample
			}
			resp, err := client().Generate(cmd.Context(), req)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, resp.Prediction)
			return err
		}}
	generate.Flags().IntVar(&maxTokens, "max-new-tokens", 0, "Override the server's max_new_tokens")
	generate.Flags().Float64Var(&temperature, "temperature", 0, "Override the sampling temperature")
	generate.Flags().Float64Var(&topP, "top-p", 0, "Override top_p")
	generate.Flags().BoolVar(&greedy, "greedy", false, "Disable sampling")

	var (
		wait bool
		poll time.Duration
	)
	retrain := &cobra.Command{Use: "retrain <file.json>", Short: "Upload purchase groups and start retraining",
		Example: "  loractl retrain purchases.json --wait",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			resp, err := c.Retrain(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !wait || resp.Job == nil {
				return printJSON(out, resp)
			}
			// the per-request timeout does not bound the whole wait
			job, err := c.WaitJob(cmd.Context(), resp.Job.ID, poll)
			if err != nil {
				return err
			}
			if err := printJSON(out, job); err != nil {
				return err
			}
			if job.Status == "failed" {
				return fmt.Errorf("job %s failed: %s", job.ID, job.Error)
			}
			return nil
		}}
	retrain.Flags().BoolVar(&wait, "wait", false, "Wait until the job finishes")
	retrain.Flags().DurationVar(&poll, "poll", 2*time.Second, "Polling interval with --wait")

	jobs := &cobra.Command{Use: "jobs [id]", Short: "List retraining jobs or show one", Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				j, err := client().Job(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(out, j)
			}
			list, err := client().Jobs(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(out, list)
		}}

	adapters := &cobra.Command{Use: "adapters", Short: "List trained adapter checkpoints", Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := client().Adapters(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(out, list)
		}}

	root.AddCommand(health, status, generate, retrain, jobs, adapters)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
