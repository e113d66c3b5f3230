package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"batchd/internal/backend"
	"batchd/internal/engine"
	"batchd/internal/sampling"
	"batchd/internal/scheduler"
	"batchd/internal/sequence"
)

type benchOptions struct {
	requests     int
	promptLen    int
	maxNewTokens int
	blockSize    int
	numBlocks    int
	swapBlocks   int
	preemption   string
	encoding     string
	vocab        int
	hidden       int
	seed         uint64
	quiet        bool
}

// benchResult summarizes one bench run.
type benchResult struct {
	Requests        int
	PromptTokens    int
	GeneratedTokens int
	Elapsed         time.Duration
	Steps           uint64
	Preemptions     uint64
	Reasons         map[sequence.FinishReason]int
}

func (r benchResult) tokensPerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.GeneratedTokens) / r.Elapsed.Seconds()
}

func newBenchCmd() *cobra.Command {
	o := benchOptions{}
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure batching throughput in process over the reference model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := runBench(cmd.Context(), o, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			printBench(cmd.OutOrStdout(), o, res)
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&o.requests, "requests", 64, "Number of concurrent requests")
	f.IntVar(&o.promptLen, "prompt-len", 128, "Maximum prompt length in tokens (lengths are drawn from [len/2, len])")
	f.IntVar(&o.maxNewTokens, "max-new-tokens", 64, "Tokens to generate per request")
	f.IntVar(&o.blockSize, "block-size", 16, "KV block size in tokens")
	f.IntVar(&o.numBlocks, "num-blocks", 512, "Device KV blocks")
	f.IntVar(&o.swapBlocks, "swap-blocks", 0, "Host KV blocks for swap preemption")
	f.StringVar(&o.preemption, "preemption", string(scheduler.Recompute), "Preemption mode: recompute|swap")
	f.StringVar(&o.encoding, "encoding", string(backend.F32), "Weight encoding of the reference model")
	f.IntVar(&o.vocab, "vocab", 1024, "Reference model vocabulary size")
	f.IntVar(&o.hidden, "hidden", 64, "Reference model hidden size")
	f.Uint64Var(&o.seed, "seed", 1, "Seed for prompts and weights")
	f.BoolVar(&o.quiet, "quiet", false, "Disable the progress bar")
	return cmd
}

func runBench(ctx context.Context, o benchOptions, progress io.Writer) (benchResult, error) {
	if o.requests <= 0 || o.promptLen <= 0 || o.maxNewTokens <= 0 {
		return benchResult{}, fmt.Errorf("requests, prompt-len and max-new-tokens must be positive")
	}
	enc, err := backend.ParseEncoding(o.encoding)
	if err != nil {
		return benchResult{}, err
	}
	cfg := engine.Config{
		ModelID:    "bench",
		BlockSize:  o.blockSize,
		NumBlocks:  o.numBlocks,
		SwapBlocks: o.swapBlocks,
		Scheduler:  scheduler.Config{Preemption: scheduler.PreemptionMode(o.preemption)},
		// Every request is queued up front.
		MaxQueueDepth: o.requests,
		StreamBuffer:  o.maxNewTokens + 2,
	}.WithDefaults()
	model, err := backend.NewSynthetic(enc, backend.SyntheticConfig{
		BlockSize:    cfg.BlockSize,
		DeviceBlocks: cfg.NumBlocks,
		HostBlocks:   cfg.SwapBlocks,
		Hidden:       o.hidden,
		Vocab:        o.vocab,
		Seed:         o.seed,
	}, nil)
	if err != nil {
		return benchResult{}, err
	}
	eng, err := engine.New(cfg, model)
	if err != nil {
		return benchResult{}, err
	}
	defer eng.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = eng.Run(runCtx) }()

	rng := rand.New(rand.NewPCG(o.seed, o.seed^0x9e3779b97f4a7c15))
	res := benchResult{Requests: o.requests, Reasons: map[sequence.FinishReason]int{}}
	handles := make([]*engine.Handle, 0, o.requests)
	start := time.Now()
	for i := 0; i < o.requests; i++ {
		n := o.promptLen/2 + rng.IntN(o.promptLen-o.promptLen/2+1)
		if n == 0 {
			n = 1
		}
		prompt := make([]int32, n)
		for j := range prompt {
			prompt[j] = int32(rng.IntN(o.vocab))
		}
		res.PromptTokens += n
		h, err := eng.Submit(ctx, engine.Request{
			ID:     fmt.Sprintf("bench-%d", i),
			Prompt: prompt,
			Params: sampling.NewParams(
				sampling.WithTemperature(0.6),
				sampling.WithMaxNewTokens(o.maxNewTokens),
				sampling.WithSeed(int64(i)),
				sampling.WithIgnoreEOS(),
			),
		})
		if err != nil {
			return res, fmt.Errorf("submit %d: %w", i, err)
		}
		handles = append(handles, h)
	}

	var bar *progressbar.ProgressBar
	if !o.quiet {
		bar = progressbar.NewOptions(o.requests,
			progressbar.OptionSetWriter(progress),
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	type outcome struct {
		tokens int
		reason sequence.FinishReason
		err    error
	}
	outcomes := make([]outcome, len(handles))
	var g errgroup.Group
	for i, h := range handles {
		g.Go(func() error {
			out, final := h.Wait()
			for _, seq := range out {
				outcomes[i].tokens += len(seq)
			}
			outcomes[i].reason, outcomes[i].err = final.FinishReason, final.Err
			if bar != nil {
				_ = bar.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	res.Elapsed = time.Since(start)
	if bar != nil {
		_ = bar.Finish()
	}
	for _, oc := range outcomes {
		if oc.err != nil {
			return res, oc.err
		}
		res.GeneratedTokens += oc.tokens
		res.Reasons[oc.reason]++
	}
	st := eng.Stats()
	res.Steps, res.Preemptions = st.Steps, st.Preemptions
	return res, nil
}

func printBench(w io.Writer, o benchOptions, r benchResult) {
	fmt.Fprintf(w, "\nrequests:   %d (prompt <= %d, new %d, blocks %dx%d, %s)\n",
		r.Requests, o.promptLen, o.maxNewTokens, o.numBlocks, o.blockSize, o.preemption)
	fmt.Fprintf(w, "tokens:     %d prompt, %d generated\n", r.PromptTokens, r.GeneratedTokens)
	fmt.Fprintf(w, "time:       %s\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "throughput: %.1f tok/s\n", r.tokensPerSecond())
	fmt.Fprintf(w, "steps:      %d, preemptions: %d\n", r.Steps, r.Preemptions)
	for _, reason := range slices.Sorted(maps.Keys(r.Reasons)) {
		fmt.Fprintf(w, "finished:   %s=%d\n", reason, r.Reasons[reason])
	}
}
