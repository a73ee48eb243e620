package preprocess

import (
	"sync"

	"go.uber.org/zap"

	"nmtwizard/internal/config"
	"nmtwizard/internal/logging"
	"nmtwizard/internal/models"
)

// SharedState builds and caches objects shared by operators across pipelines
// and workers, such as tokenizers.
type SharedState struct {
	cfg      config.Config
	pt       models.ProcessType
	exitStep *int
	logger   *zap.Logger

	mu sync.Mutex
	// instances holds every built object per operator index and builder key.
	instances map[int]map[string]any
	// cached holds the resolved state per label key.
	cached map[string]map[int]map[string]any
}

// NewSharedState creates a shared state for a configuration.
func NewSharedState(cfg config.Config, pt models.ProcessType, exitStep *int, logger *zap.Logger) *SharedState {
	if logger == nil {
		logger = logging.L()
	}
	return &SharedState{
		cfg:       cfg,
		pt:        pt,
		exitStep:  exitStep,
		logger:    logger.With(zap.String("component", "shared_state")),
		instances: make(map[int]map[string]any),
		cached:    make(map[string]map[int]map[string]any),
	}
}

// Get returns the shared objects for a label set, keyed by operator index and
// name. Objects are built at most once per operator index and builder key.
func (s *SharedState) Get(labels []string) (map[int]map[string]any, error) {
	key := models.LabelKey(labels)

	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.cached[key]; ok {
		return state, nil
	}

	state := make(map[int]map[string]any)
	infos, err := operatorInfos(s.cfg.Preprocess(), s.pt, models.NewLabels(labels...), s.exitStep, true)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.reg.SharedBuilders == nil {
			continue
		}
		builders, err := info.reg.SharedBuilders(info.params, s.pt)
		if err != nil {
			return nil, err
		}
		if len(builders) == 0 {
			continue
		}
		existing, ok := s.instances[info.index]
		if !ok {
			existing = make(map[string]any)
			s.instances[info.index] = existing
		}
		opState := make(map[string]any, len(builders))
		for name, builder := range builders {
			instance, ok := existing[builder.Key]
			if !ok {
				s.logger.Info("building_shared_object",
					zap.Int("index", info.index),
					zap.String("key", builder.Key),
				)
				instance, err = builder.Build()
				if err != nil {
					return nil, err
				}
				existing[builder.Key] = instance
			}
			opState[name] = instance
		}
		state[info.index] = opState
	}

	s.cached[key] = state
	return state, nil
}
