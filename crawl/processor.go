// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package crawl

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// Caller issues one request and blocks for its correlated response.
// mq.RPCClient satisfies it.
type Caller interface {
	Call(ctx context.Context, body []byte) ([]byte, error)
}

// Processor walks the link graph breadth-first. Each frontier level is
// dispatched in parallel and collected before the next level is computed,
// so the traversal is level-synchronous rather than unbounded fan-out.
type Processor struct {
	caller       Caller
	pool         *ants.Pool
	canonicalize func(string) string
	logger       *slog.Logger
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor) error

// WithWorkers sets the number of in-flight requests per frontier level.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithWorkers(size int) ProcessorOption {
	return func(p *Processor) error {
		if size < 1 {
			size = 1
		}
		if p.pool != nil {
			p.pool.Release()
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		p.pool = pool
		return nil
	}
}

// WithCanonicalizer rewrites URLs before cycle detection, so a URL
// reachable under several spellings is fetched once per traversal.
func WithCanonicalizer(fn func(string) string) ProcessorOption {
	return func(p *Processor) error {
		p.canonicalize = fn
		return nil
	}
}

// NewProcessor creates a crawl orchestrator issuing requests through the
// given caller.
func NewProcessor(caller Caller, opts ...ProcessorOption) (*Processor, error) {
	poolSize := runtime.NumCPU() / 2
	if poolSize < 1 {
		poolSize = 1
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}

	p := &Processor{
		caller:       caller,
		pool:         pool,
		canonicalize: func(url string) string { return url },
		logger:       slog.Default().With("component", "crawl-processor"),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			p.Release()
			return nil, err
		}
	}
	return p, nil
}

// Release frees the worker pool.
func (p *Processor) Release() {
	if p.pool != nil {
		p.pool.Release()
	}
}

// Process expands the link graph reachable from seedURL and returns every
// URL encountered, in discovery order with the seed first. A single URL's
// failure contributes no links but never aborts the traversal, so the
// result may be a partial graph.
func (p *Processor) Process(ctx context.Context, seedURL, modelID string) ([]string, error) {
	seed := p.canonicalize(seedURL)
	seen := map[string]bool{seed: true}
	order := []string{seed}
	frontier := []string{seed}

	for level := 0; len(frontier) > 0; level++ {
		if err := ctx.Err(); err != nil {
			return order, err
		}
		p.logger.Debug("expanding frontier", "level", level, "urls", len(frontier))

		results := make([][]string, len(frontier))
		var wg sync.WaitGroup
		for i, url := range frontier {
			wg.Add(1)
			i, url := i, url
			if err := p.pool.Submit(func() {
				defer wg.Done()
				results[i] = p.expand(ctx, url, modelID)
			}); err != nil {
				wg.Done()
				p.logger.Warn("dispatching crawl unit", "url", url, "err", err)
			}
		}
		wg.Wait()

		var next []string
		for _, links := range results {
			for _, link := range links {
				link = p.canonicalize(link)
				if seen[link] {
					continue
				}
				seen[link] = true
				order = append(order, link)
				next = append(next, link)
			}
		}
		frontier = next
	}

	p.logger.Info("crawl complete", "seed", seed, "urls", len(order))
	return order, nil
}

// expand runs one fetch-and-store unit. Failures are logged and yield an
// empty link set.
func (p *Processor) expand(ctx context.Context, url, modelID string) []string {
	body, err := json.Marshal(ProcessRequest{URL: url, ModelID: modelID})
	if err != nil {
		p.logger.Error("encoding process request", "url", url, "err", err)
		return nil
	}
	respBody, err := p.caller.Call(ctx, body)
	if err != nil {
		p.logger.Warn("crawl unit failed", "url", url, "err", err)
		return nil
	}
	var resp ProcessResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		p.logger.Error("decoding process response", "url", url, "err", err)
		return nil
	}
	return resp.Links
}
