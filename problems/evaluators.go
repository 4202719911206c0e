package problems

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/petal-labs/bestfirst/core"
)

// DepthScore scores tree paths with their depth.
func DepthScore() core.Evaluator[TreeNode, int, float64] {
	return core.Evaluator[TreeNode, int, float64]{
		Name: "depth",
		Eval: func(_ context.Context, p core.Path[TreeNode, int]) (float64, error) {
			return float64(p.Depth()), nil
		},
	}
}

// IndexScore scores tree paths so that leftmost subtrees look best. With it a
// best-first search behaves like depth-first search.
func IndexScore() core.Evaluator[TreeNode, int, float64] {
	return core.Evaluator[TreeNode, int, float64]{
		Name: "index",
		Eval: func(_ context.Context, p core.Path[TreeNode, int]) (float64, error) {
			score := 0.0
			for _, k := range p.Arcs() {
				score = score*2 + float64(k)
			}
			return score - float64(p.Depth()), nil
		},
	}
}

// Sleeping delays every evaluation of inner by a random duration in
// [min, max). It honors context cancellation.
func Sleeping[N comparable, A any](inner core.Evaluator[N, A, float64], minDelay, maxDelay time.Duration) core.Evaluator[N, A, float64] {
	out := inner
	out.Name = fmt.Sprintf("sleeping(%s)", inner.Name)
	out.Eval = func(ctx context.Context, p core.Path[N, A]) (float64, error) {
		d := minDelay
		if maxDelay > minDelay {
			d += rand.N(maxDelay - minDelay)
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-timer.C:
		}
		return inner.Eval(ctx, p)
	}
	return out
}

// Pruning prunes every path for which prune returns true and otherwise
// delegates to inner.
func Pruning[N comparable, A any](inner core.Evaluator[N, A, float64], prune func(core.Path[N, A]) bool) core.Evaluator[N, A, float64] {
	out := inner
	out.Eval = func(ctx context.Context, p core.Path[N, A]) (float64, error) {
		if prune(p) {
			return 0, core.ErrPrune
		}
		return inner.Eval(ctx, p)
	}
	return out
}

// Uncertain wraps inner and annotates every scored path with a fixed
// uncertainty value.
func Uncertain[N comparable, A any](inner core.Evaluator[N, A, float64], uncertainty float64) core.Evaluator[N, A, float64] {
	out := inner
	out.AnnotatesUncertainty = true
	out.Eval = func(ctx context.Context, p core.Path[N, A]) (float64, error) {
		score, err := inner.Eval(ctx, p)
		if err == nil {
			p.SetAnnotation(core.AnnotationUncertainty, uncertainty)
		}
		return score, err
	}
	return out
}

// Counting wraps inner and counts its invocations in n.
func Counting[N comparable, A any](inner core.Evaluator[N, A, float64], n *atomic.Int64) core.Evaluator[N, A, float64] {
	out := inner
	out.Eval = func(ctx context.Context, p core.Path[N, A]) (float64, error) {
		n.Add(1)
		return inner.Eval(ctx, p)
	}
	return out
}
