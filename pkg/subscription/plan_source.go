package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

type inMemSource struct {
	mu    sync.RWMutex
	plans map[string]Plan
}

// NewInMemSource returns an in-memory PlansSource with a deep copy of the given plans.
// Panics if no plans are provided to ensure the catalog always has at least one valid plan.
func NewInMemSource(plans ...Plan) PlansSource {
	if len(plans) < 1 {
		panic("at least one plan is required")
	}
	plansCopy := make(map[string]Plan, len(plans))
	for _, plan := range plans {
		plansCopy[plan.ID] = plan.clone()
	}
	return &inMemSource{plans: plansCopy}
}

// Load returns a copy of all available plans from memory.
func (s *inMemSource) Load(ctx context.Context) (map[string]Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plansCopy := make(map[string]Plan, len(s.plans))
	for id, plan := range s.plans {
		plansCopy[id] = plan.clone()
	}
	return plansCopy, nil
}

// plansFile is the on-disk layout of a plans catalog.
//
//	plans:
//	  - id: starter
//	    limits: {conversations: 500, websites: 1, chatbots: 1}
//	    price_ids: {stripe: price_123, paddle: pri_456}
type plansFile struct {
	Plans []Plan `yaml:"plans"`
}

type yamlSource struct {
	path   string
	reader io.Reader
}

// NewYAMLFileSource loads plans from a YAML file on every Load call.
func NewYAMLFileSource(path string) PlansSource {
	return &yamlSource{path: path}
}

// NewYAMLSource decodes plans from r. The reader is consumed by the first Load.
func NewYAMLSource(r io.Reader) PlansSource {
	return &yamlSource{reader: r}
}

func (s *yamlSource) Load(ctx context.Context) (map[string]Plan, error) {
	r := s.reader
	if r == nil {
		f, err := os.Open(s.path)
		if err != nil {
			return nil, fmt.Errorf("open plans file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var file plansFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, errors.Join(ErrInvalidPlanConfiguration, err)
	}

	plans := make(map[string]Plan, len(file.Plans))
	for _, plan := range file.Plans {
		if _, dup := plans[plan.ID]; dup {
			return nil, errors.Join(ErrInvalidPlanConfiguration, fmt.Errorf("duplicate plan %q", plan.ID))
		}
		plans[plan.ID] = plan
	}
	return plans, nil
}
