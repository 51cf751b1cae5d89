// Package queue provides named-queue admission control for local step
// execution.
//
// Steps carry a queue reference (for example "analysis.visual" or
// "generation.comments") that groups related work. The local worker pool
// consults a [Manager] before running a job from a queue, which keeps a
// burst of cheap OCR jobs from starving expensive video analysis.
//
// # Per-Queue Configuration
//
// Use [Config] to set per-queue rate limits and concurrency caps:
//
//	queue.Config{
//	    Name:           "analysis.video",
//	    MaxConcurrency: 2,      // max 2 concurrent video jobs
//	    RateLimit:      1,      // max 1 job/s admitted from this queue
//	    RateBurst:      2,      // allow bursts up to 2
//	}
//
// # Manager
//
// [Manager] enforces the limits at admission time. It uses a token-bucket
// rate limiter (golang.org/x/time/rate) and an active-count gate for
// concurrency limits.
//
//	m := queue.NewManager(configs...)
//	if m.Acquire(queueRef) {
//	    defer m.Release(queueRef)
//	    // run the job
//	}
//
// Queues without a [Config] have no limits beyond the pool-wide
// concurrency.
package queue
