package lifecycle

import (
	"context"
	"fmt"
	"sync"
)

// Generator produces template text for freshly spawned variants. The
// engine never invents content itself; an LLM-backed implementation can
// be swapped in where the detector is constructed.
type Generator interface {
	Generate(ctx context.Context, segmentKey string, n int) ([]string, error)
}

// TemplateGenerator rotates through a configured seed pool, tagging each
// spawn with a generation counter so repeated cycles produce distinct
// variant text.
type TemplateGenerator struct {
	mu        sync.Mutex
	templates []string
	next      int
	spawned   int
}

func NewTemplateGenerator(templates []string) (*TemplateGenerator, error) {
	if len(templates) == 0 {
		return nil, fmt.Errorf("template pool must not be empty")
	}
	return &TemplateGenerator{templates: templates}, nil
}

func (g *TemplateGenerator) Generate(_ context.Context, _ string, n int) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	texts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		base := g.templates[g.next%len(g.templates)]
		g.next++
		g.spawned++
		if g.spawned <= len(g.templates) {
			texts = append(texts, base)
		} else {
			// Past the first rotation, disambiguate reused seeds.
			texts = append(texts, fmt.Sprintf("%s [v%d]", base, g.spawned))
		}
	}
	return texts, nil
}
