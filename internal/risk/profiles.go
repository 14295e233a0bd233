package risk

import (
	"fmt"
	"sort"
	"sync"

	"futuresRiskBot/internal/domain"
	"futuresRiskBot/internal/ports"
)

// BuiltinProfiles returns the stock risk profiles keyed by name.
func BuiltinProfiles() map[string]domain.RiskProfile {
	return map[string]domain.RiskProfile{
		domain.ProfileConservative: {
			Name:              domain.ProfileConservative,
			Multiplier:        0.6,
			SafetyFactor:      0.95,
			VolatilityPenalty: 0.8,
			EdgeThreshold:     0.7,
		},
		domain.ProfileBalanced: {
			Name:              domain.ProfileBalanced,
			Multiplier:        1.0,
			SafetyFactor:      0.85,
			VolatilityPenalty: 0.5,
			EdgeThreshold:     0.5,
		},
		domain.ProfileAggressive: {
			Name:              domain.ProfileAggressive,
			Multiplier:        1.5,
			SafetyFactor:      0.75,
			VolatilityPenalty: 0.3,
			EdgeThreshold:     0.3,
		},
	}
}

// ProfileStore holds the named risk profiles and the active selection.
// Changing the active profile notifies subscribers so they can drop derived state.
type ProfileStore struct {
	mu          sync.RWMutex
	profiles    map[string]domain.RiskProfile
	active      string
	subscribers []func(domain.RiskProfile)
}

// NewProfileStore creates a store with the built-in profiles and the given active profile.
func NewProfileStore(active string) (*ProfileStore, error) {
	s := &ProfileStore{profiles: BuiltinProfiles()}
	if _, ok := s.profiles[active]; !ok {
		return nil, fmt.Errorf("%w: unknown risk profile %q", ports.ErrConfiguration, active)
	}
	s.active = active
	return s, nil
}

// Active returns the currently selected profile.
func (s *ProfileStore) Active() domain.RiskProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profiles[s.active]
}

// Get looks up a profile by name.
func (s *ProfileStore) Get(name string) (domain.RiskProfile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[name]
	return p, ok
}

// Names returns the registered profile names in sorted order.
func (s *ProfileStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.profiles))
	for n := range s.profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SetActive switches the active profile. An unknown name leaves the store unchanged.
func (s *ProfileStore) SetActive(name string) error {
	s.mu.Lock()
	p, ok := s.profiles[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: unknown risk profile %q", ports.ErrConfiguration, name)
	}
	s.active = name
	subs := append([]func(domain.RiskProfile){}, s.subscribers...)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(p)
	}
	return nil
}

// Register adds or replaces a profile. Replacing the active profile notifies subscribers.
func (s *ProfileStore) Register(p domain.RiskProfile) error {
	if p.Name == "" {
		return fmt.Errorf("%w: risk profile name is required", ports.ErrConfiguration)
	}
	if p.Multiplier <= 0 || p.SafetyFactor <= 0 {
		return fmt.Errorf("%w: risk profile %q needs positive multiplier and safety factor", ports.ErrConfiguration, p.Name)
	}

	s.mu.Lock()
	s.profiles[p.Name] = p
	isActive := s.active == p.Name
	subs := append([]func(domain.RiskProfile){}, s.subscribers...)
	s.mu.Unlock()

	if isActive {
		for _, fn := range subs {
			fn(p)
		}
	}
	return nil
}

// Subscribe registers fn to be called after every change of the active profile.
func (s *ProfileStore) Subscribe(fn func(domain.RiskProfile)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}
