package forge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/doumen/vana-forja/internal/oracle"
)

// BatchResult is the outcome of one transcript in [Pipeline.RunFiles].
type BatchResult struct {
	Path   string
	Report *Report
	Err    error
}

// RunFiles loads and runs every transcript in paths, at most parallel at a
// time. A failing document does not stop the others, except for a budget
// refusal: once the budget is exhausted no further documents are started.
// Results keep the order of paths; documents never started carry the
// context error. The returned error joins every document error.
func (p *Pipeline) RunFiles(ctx context.Context, paths []string, parallel int) ([]BatchResult, error) {
	results := make([]BatchResult, len(paths))
	for i, path := range paths {
		results[i].Path = path
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var g errgroup.Group
	g.SetLimit(max(parallel, 1))

	var mu sync.Mutex
	var errs []error

	for i, path := range paths {
		if ctx.Err() != nil {
			results[i].Err = context.Cause(ctx)
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i].Err = context.Cause(ctx)
				return nil
			}
			rep, err := p.runFile(ctx, path)
			results[i].Report, results[i].Err = rep, err
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", path, err))
				mu.Unlock()
				if errors.Is(err, oracle.ErrBudgetExceeded) {
					cancel(err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

func (p *Pipeline) runFile(ctx context.Context, path string) (*Report, error) {
	doc, err := LoadDocument(path)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx, doc)
}
