package coordinator

import (
	"context"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	"pouw-captcha/internal/tensor"
)

type SampleKind string

const (
	ImageKind  SampleKind = "image"
	TextKind   SampleKind = "text"
	OpaqueKind SampleKind = "opaque"
)

// Sample is the input a task is built around. Only ImageSample can drive
// tensor shards.
type Sample interface {
	Kind() SampleKind
	SampleID() string
	// KnownLabel is the server-side answer for honeypot samples, empty otherwise.
	KnownLabel() string
}

type ImageSample struct {
	ID     string
	Tensor tensor.Tensor
	Label  string
}

func (s ImageSample) Kind() SampleKind   { return ImageKind }
func (s ImageSample) SampleID() string   { return s.ID }
func (s ImageSample) KnownLabel() string { return s.Label }

type TextSample struct {
	ID       string
	TokenIDs []int
	Label    string
}

func (s TextSample) Kind() SampleKind   { return TextKind }
func (s TextSample) SampleID() string   { return s.ID }
func (s TextSample) KnownLabel() string { return s.Label }

type OpaqueSample struct {
	ID     string
	Format string
	Raw    []byte
	Label  string
}

func (s OpaqueSample) Kind() SampleKind   { return OpaqueKind }
func (s OpaqueSample) SampleID() string   { return s.ID }
func (s OpaqueSample) KnownLabel() string { return s.Label }

// SampleSource hands out samples for new tasks. When known is true only
// samples with a known label qualify.
type SampleSource interface {
	NextSample(ctx context.Context, known bool) (Sample, bool, error)
}

// leastServedWindow is how many of the least-served candidates a pick is drawn from.
const leastServedWindow = 10

type pooled struct {
	sample Sample
	served int
}

// SamplePool is an in-memory SampleSource that spreads picks over the samples
// served least often.
type SamplePool struct {
	mu      sync.Mutex
	samples []*pooled
	rnd     *rand.Rand
}

func NewSamplePool(samples ...Sample) *SamplePool {
	p := &SamplePool{rnd: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
	p.Add(samples...)
	return p
}

// WithRand replaces the pick source, for deterministic tests.
func (p *SamplePool) WithRand(r *rand.Rand) *SamplePool {
	p.mu.Lock()
	p.rnd = r
	p.mu.Unlock()
	return p
}

func (p *SamplePool) Add(samples ...Sample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range samples {
		if s == nil {
			continue
		}
		p.samples = append(p.samples, &pooled{sample: s})
	}
}

func (p *SamplePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.samples)
}

func (p *SamplePool) NextSample(_ context.Context, known bool) (Sample, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := make([]*pooled, 0, len(p.samples))
	for _, s := range p.samples {
		if known && strings.TrimSpace(s.sample.KnownLabel()) == "" {
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return nil, false, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].served < candidates[j].served
	})
	if len(candidates) > leastServedWindow {
		candidates = candidates[:leastServedWindow]
	}
	picked := candidates[p.rnd.IntN(len(candidates))]
	picked.served++
	return picked.sample, true, nil
}
