package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"batchd/internal/sequence"
)

func smallBench() benchOptions {
	return benchOptions{
		requests:     8,
		promptLen:    12,
		maxNewTokens: 6,
		blockSize:    4,
		numBlocks:    32,
		preemption:   "recompute",
		encoding:     "f32",
		vocab:        64,
		hidden:       16,
		seed:         3,
		quiet:        true,
	}
}

func TestRunBench(t *testing.T) {
	res, err := runBench(context.Background(), smallBench(), &bytes.Buffer{})
	if err != nil {
		t.Fatalf("runBench: %v", err)
	}
	if res.GeneratedTokens != 8*6 || res.Reasons[sequence.Completed] != 8 || res.Steps == 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	var out bytes.Buffer
	printBench(&out, smallBench(), res)
	if !strings.Contains(out.String(), "tok/s") || !strings.Contains(out.String(), "completed=8") {
		t.Fatalf("unexpected report:\n%s", out.String())
	}
}

func TestRunBenchUnderPressure(t *testing.T) {
	o := smallBench()
	o.numBlocks = 12
	res, err := runBench(context.Background(), o, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("runBench: %v", err)
	}
	if res.GeneratedTokens != 8*6 {
		t.Fatalf("generated %d tokens", res.GeneratedTokens)
	}
}

func TestRunBenchRejectsBadOptions(t *testing.T) {
	o := smallBench()
	o.requests = 0
	if _, err := runBench(context.Background(), o, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for zero requests")
	}
	o = smallBench()
	o.encoding = "q2_k"
	if _, err := runBench(context.Background(), o, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown encoding")
	}
}
