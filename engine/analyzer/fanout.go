package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultDeadline bounds each analyzer call within a turn.
const DefaultDeadline = 500 * time.Millisecond

// Bundle is the fused output of one fan-out pass. Fields for failed
// analyzers hold their neutral defaults; Failed lists which ones fell back.
type Bundle struct {
	Intent      IntentResult
	Emotion     EmotionResult
	Personality PersonalityResult
	Route       RouteResult
	Tier        TierResult
	Objections  ObjectionResult
	Needs       NeedsResult
	Conversion  ConversionResult

	Failed  []Kind
	Elapsed time.Duration
}

// Config tunes the fan-out.
type Config struct {
	// Deadline is the per-analyzer budget. Zero means DefaultDeadline.
	Deadline time.Duration
	// OnFailure is invoked for each analyzer that fell back to its neutral
	// result, after the failure has been logged.
	OnFailure func(kind Kind, err error)
}

// Fanout runs the eight analyzers concurrently per turn.
type Fanout struct {
	intent      Analyzer[IntentResult]
	emotion     Analyzer[EmotionResult]
	personality Analyzer[PersonalityResult]
	router      Analyzer[RouteResult]
	tier        Analyzer[TierResult]
	objection   Analyzer[ObjectionResult]
	needs       Analyzer[NeedsResult]
	conversion  Analyzer[ConversionResult]

	deadline  time.Duration
	onFailure func(Kind, error)
}

// NewFanout wires the full analyzer set.
func NewFanout(cfg Config) *Fanout {
	deadline := cfg.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Fanout{
		intent:      NewIntentAnalyzer(),
		emotion:     NewEmotionAnalyzer(),
		personality: NewPersonalityAnalyzer(),
		router:      NewRouterAnalyzer(),
		tier:        NewTierAnalyzer(),
		objection:   NewObjectionAnalyzer(),
		needs:       NewNeedsAnalyzer(),
		conversion:  NewConversionAnalyzer(),
		deadline:    deadline,
		onFailure:   cfg.OnFailure,
	}
}

// Route runs only the program router, used at conversation start before any
// user turn exists.
func (f *Fanout) Route(ctx context.Context, snap Snapshot) RouteResult {
	var (
		wg     sync.WaitGroup
		result RouteResult
	)
	collect(ctx, f, &wg, f.router, snap, &result, nil)
	wg.Wait()
	return result
}

// Analyze runs all analyzers concurrently and never returns an error: failed
// or timed-out analyzers contribute their neutral defaults.
func (f *Fanout) Analyze(ctx context.Context, snap Snapshot) *Bundle {
	start := time.Now()
	bundle := &Bundle{}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	failed := func(kind Kind) {
		mu.Lock()
		bundle.Failed = append(bundle.Failed, kind)
		mu.Unlock()
	}

	collect(ctx, f, &wg, f.intent, snap, &bundle.Intent, failed)
	collect(ctx, f, &wg, f.emotion, snap, &bundle.Emotion, failed)
	collect(ctx, f, &wg, f.personality, snap, &bundle.Personality, failed)
	collect(ctx, f, &wg, f.router, snap, &bundle.Route, failed)
	collect(ctx, f, &wg, f.tier, snap, &bundle.Tier, failed)
	collect(ctx, f, &wg, f.objection, snap, &bundle.Objections, failed)
	collect(ctx, f, &wg, f.needs, snap, &bundle.Needs, failed)
	collect(ctx, f, &wg, f.conversion, snap, &bundle.Conversion, failed)
	wg.Wait()

	sort.Slice(bundle.Failed, func(i, j int) bool { return bundle.Failed[i] < bundle.Failed[j] })
	bundle.Elapsed = time.Since(start)
	return bundle
}

// collect runs one analyzer in its own goroutine under the per-call
// deadline, writing either its result or its neutral default into dst. Each
// dst is written by exactly one goroutine.
func collect[T any](ctx context.Context, f *Fanout, wg *sync.WaitGroup, a Analyzer[T], snap Snapshot, dst *T, failed func(Kind)) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		callCtx, cancel := context.WithTimeout(ctx, f.deadline)
		defer cancel()

		type outcome struct {
			value T
			err   error
		}
		ch := make(chan outcome, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					ch <- outcome{err: fmt.Errorf("analyzer panicked: %v", r)}
				}
			}()
			v, err := a.Analyze(callCtx, snap)
			ch <- outcome{value: v, err: err}
		}()

		var err error
		select {
		case out := <-ch:
			if out.err == nil {
				*dst = out.value
				return
			}
			err = out.err
		case <-callCtx.Done():
			err = callCtx.Err()
		}

		*dst = a.Neutral()
		slog.Warn("analyzer: substituting neutral result",
			"kind", a.Kind(),
			"conversation_id", snap.ConversationID,
			"error", err,
		)
		if failed != nil {
			failed(a.Kind())
		}
		if f.onFailure != nil {
			f.onFailure(a.Kind(), err)
		}
	}()
}
