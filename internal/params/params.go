// Package params holds the typed, validated tunable parameters that drive
// the trading algorithm, risk limits, and stress detectors. Reads are cheap
// snapshot lookups; writes go through a single validated Set path that
// notifies subscribers synchronously in the caller's context.
package params

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Failure kinds. Callers match with errors.Is.
var (
	ErrUnknownParameter = errors.New("unknown parameter")
	ErrTypeMismatch     = errors.New("parameter type mismatch")
	ErrOutOfRange       = errors.New("parameter value out of range")
	ErrNotInDomain      = errors.New("parameter value not in domain")
	ErrConflictingSpec  = errors.New("conflicting parameter registration")
)

// Type enumerates the supported parameter value types.
type Type string

const (
	TypeFloat  Type = "float"
	TypeInt    Type = "int"
	TypeBool   Type = "bool"
	TypeString Type = "string"
)

// RiskProfile is a named bundle of correlated parameter values.
type RiskProfile string

const (
	Conservative RiskProfile = "CONSERVATIVE"
	Moderate     RiskProfile = "MODERATE"
	Aggressive   RiskProfile = "AGGRESSIVE"
	Custom       RiskProfile = "CUSTOM"
)

// Spec describes a registered parameter.
type Spec struct {
	Name        string
	Type        Type
	Default     any
	Description string
	Category    string

	// Numeric range, used when Type is float or int.
	Min, Max float64
	// Enumerated domain, used when Type is string and non-empty.
	Domain []string
	// Optional extra validation, run after type/range checks.
	Validator func(any) error
}

// Change records one accepted parameter mutation.
type Change struct {
	Name     string    `yaml:"name"`
	Old      any       `yaml:"old"`
	New      any       `yaml:"new"`
	SetAt    time.Time `yaml:"set_at"`
	Profile  string    `yaml:"profile,omitempty"`
	Rejected bool      `yaml:"-"`
}

// Subscriber receives accepted changes synchronously.
type Subscriber func(Change)

type entry struct {
	spec         Spec
	value        any
	lastModified time.Time
}

// Store is the parameter store. The zero value is not usable; use New.
type Store struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	pending     []Change
	subscribers []Subscriber
	profile     RiskProfile

	// Unknown keys seen on Load, preserved for Save and flagged.
	unknown map[string]any
}

// New creates a store with the standard parameter set registered.
func New() *Store {
	s := &Store{
		entries: make(map[string]*entry),
		unknown: make(map[string]any),
		profile: Custom,
	}
	s.registerDefaults()
	return s
}

// Register adds a parameter. Re-registration with an identical spec is a
// no-op; a conflicting spec fails with ErrConflictingSpec.
func (s *Store) Register(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("register: empty name: %w", ErrUnknownParameter)
	}
	if err := validate(spec, spec.Default); err != nil {
		return fmt.Errorf("register %s: default invalid: %w", spec.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[spec.Name]; ok {
		if sameSpec(existing.spec, spec) {
			return nil
		}
		return fmt.Errorf("register %s: %w", spec.Name, ErrConflictingSpec)
	}
	s.entries[spec.Name] = &entry{spec: spec, value: spec.Default, lastModified: time.Now().UTC()}
	return nil
}

func sameSpec(a, b Spec) bool {
	if a.Name != b.Name || a.Type != b.Type || a.Category != b.Category {
		return false
	}
	if a.Min != b.Min || a.Max != b.Max {
		return false
	}
	if fmt.Sprint(a.Default) != fmt.Sprint(b.Default) {
		return false
	}
	if len(a.Domain) != len(b.Domain) {
		return false
	}
	for i := range a.Domain {
		if a.Domain[i] != b.Domain[i] {
			return false
		}
	}
	return true
}

// GetFloat returns a float parameter value.
func (s *Store) GetFloat(name string) (float64, error) {
	v, err := s.get(name, TypeFloat)
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// GetInt returns an int parameter value.
func (s *Store) GetInt(name string) (int, error) {
	v, err := s.get(name, TypeInt)
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// GetBool returns a bool parameter value.
func (s *Store) GetBool(name string) (bool, error) {
	v, err := s.get(name, TypeBool)
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// GetString returns a string parameter value.
func (s *Store) GetString(name string) (string, error) {
	v, err := s.get(name, TypeString)
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// MustFloat returns a float parameter, or the registered default when the
// value cannot be read as a float. Unknown names yield zero. Used on hot
// paths where the name is a compile-time constant.
func (s *Store) MustFloat(name string) float64 {
	v, err := s.GetFloat(name)
	if err != nil {
		if d, derr := coerce(TypeFloat, s.defaultValue(name)); derr == nil {
			return d.(float64)
		}
		return 0
	}
	return v
}

// MustInt is MustFloat for ints.
func (s *Store) MustInt(name string) int {
	v, err := s.GetInt(name)
	if err != nil {
		if d, derr := coerce(TypeInt, s.defaultValue(name)); derr == nil {
			return d.(int)
		}
		return 0
	}
	return v
}

// MustBool is MustFloat for bools.
func (s *Store) MustBool(name string) bool {
	v, err := s.GetBool(name)
	if err != nil {
		if d, derr := coerce(TypeBool, s.defaultValue(name)); derr == nil {
			return d.(bool)
		}
		return false
	}
	return v
}

// MustString is MustFloat for strings.
func (s *Store) MustString(name string) string {
	v, err := s.GetString(name)
	if err != nil {
		if d, derr := coerce(TypeString, s.defaultValue(name)); derr == nil {
			return d.(string)
		}
		return ""
	}
	return v
}

// defaultValue returns the registered default for name, or nil when the
// name is unknown.
func (s *Store) defaultValue(name string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[name]; ok {
		return e.spec.Default
	}
	return nil
}

func (s *Store) get(name string, want Type) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", name, ErrUnknownParameter)
	}
	if e.spec.Type != want {
		return nil, fmt.Errorf("get %s: registered %s, requested %s: %w", name, e.spec.Type, want, ErrTypeMismatch)
	}
	return e.value, nil
}

// Set validates and applies a new value atomically. On success the change
// is appended to the pending-change log and subscribers are notified in
// the caller's goroutine. On failure the store is unchanged.
func (s *Store) Set(name string, value any) error {
	return s.set(name, value, "")
}

func (s *Store) set(name string, value any, profile string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("set %s: %w", name, ErrUnknownParameter)
	}

	coerced, err := coerce(e.spec.Type, value)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("set %s: %w", name, err)
	}
	if err := validate(e.spec, coerced); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("set %s: %w", name, err)
	}

	change := Change{Name: name, Old: e.value, New: coerced, SetAt: time.Now().UTC(), Profile: profile}
	e.value = coerced
	e.lastModified = change.SetAt
	s.pending = append(s.pending, change)
	if profile == "" {
		s.profile = Custom
	}
	subs := make([]Subscriber, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	for _, sub := range subs {
		sub(change)
	}
	return nil
}

// Subscribe registers a synchronous change listener.
func (s *Store) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, sub)
}

// PendingChanges returns a copy of the accepted-change log.
func (s *Store) PendingChanges() []Change {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Change, len(s.pending))
	copy(out, s.pending)
	return out
}

// LastModified returns when the named parameter last changed.
func (s *Store) LastModified(name string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	if !ok {
		return time.Time{}, fmt.Errorf("last-modified %s: %w", name, ErrUnknownParameter)
	}
	return e.lastModified, nil
}

// Profile returns the currently applied risk profile. Any direct Set
// outside a profile application moves the store to Custom.
func (s *Store) Profile() RiskProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile
}

func coerce(t Type, v any) (any, error) {
	switch t {
	case TypeFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int:
			return float64(x), nil
		}
	case TypeInt:
		switch x := v.(type) {
		case int:
			return x, nil
		case int64:
			return int(x), nil
		case float64:
			if x == math.Trunc(x) {
				return int(x), nil
			}
		}
	case TypeBool:
		if x, ok := v.(bool); ok {
			return x, nil
		}
	case TypeString:
		if x, ok := v.(string); ok {
			return x, nil
		}
	}
	return nil, fmt.Errorf("%v (%T) as %s: %w", v, v, t, ErrTypeMismatch)
}

func validate(spec Spec, v any) error {
	switch spec.Type {
	case TypeFloat:
		f := v.(float64)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("non-finite value: %w", ErrOutOfRange)
		}
		if spec.Min != 0 || spec.Max != 0 {
			if f < spec.Min || f > spec.Max {
				return fmt.Errorf("%v not in [%v,%v]: %w", f, spec.Min, spec.Max, ErrOutOfRange)
			}
		}
	case TypeInt:
		i := v.(int)
		if spec.Min != 0 || spec.Max != 0 {
			if float64(i) < spec.Min || float64(i) > spec.Max {
				return fmt.Errorf("%d not in [%v,%v]: %w", i, spec.Min, spec.Max, ErrOutOfRange)
			}
		}
	case TypeString:
		str := v.(string)
		if len(spec.Domain) > 0 {
			ok := false
			for _, d := range spec.Domain {
				if d == str {
					ok = true
					break
				}
			}
			if !ok {
				return fmt.Errorf("%q not in %v: %w", str, spec.Domain, ErrNotInDomain)
			}
		}
	}
	if spec.Validator != nil {
		if err := spec.Validator(v); err != nil {
			return fmt.Errorf("%w: %v", ErrOutOfRange, err)
		}
	}
	return nil
}

// ApplyRiskProfile bulk-sets the correlated parameters for a profile.
// Applying the same profile twice is a no-op after the first application.
// Custom leaves current values untouched.
func (s *Store) ApplyRiskProfile(p RiskProfile) error {
	if p == Custom {
		s.mu.Lock()
		s.profile = Custom
		s.mu.Unlock()
		return nil
	}

	values, ok := profileValues[p]
	if !ok {
		return fmt.Errorf("apply profile %q: %w", p, ErrNotInDomain)
	}

	s.mu.RLock()
	current := s.profile
	s.mu.RUnlock()
	if current == p {
		return nil
	}

	for name, v := range values {
		if err := s.set(name, v, string(p)); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.profile = p
	s.mu.Unlock()
	return nil
}

// Profile presets. Position-size and correlation orderings across profiles
// are asserted by tests: conservative sizes < moderate < aggressive while
// correlation thresholds run the other way.
var profileValues = map[RiskProfile]map[string]any{
	Conservative: {
		"risk.max_position_size":      0.15,
		"risk.max_sector_exposure":    0.20,
		"algo.correlation_threshold":  0.88,
		"algo.max_pairs":              25,
		"portfolio.target_volatility": 0.10,
	},
	Moderate: {
		"risk.max_position_size":      0.25,
		"risk.max_sector_exposure":    0.25,
		"algo.correlation_threshold":  0.85,
		"algo.max_pairs":              40,
		"portfolio.target_volatility": 0.15,
	},
	Aggressive: {
		"risk.max_position_size":      0.35,
		"risk.max_sector_exposure":    0.30,
		"algo.correlation_threshold":  0.80,
		"algo.max_pairs":              50,
		"portfolio.target_volatility": 0.25,
	},
}

type persisted struct {
	Profile string         `yaml:"profile"`
	Values  map[string]any `yaml:"values"`
	Unknown map[string]any `yaml:"unknown,omitempty"`
	SavedAt time.Time      `yaml:"saved_at"`
}

// Save serializes the full parameter set, including unknown keys carried
// over from a previous Load.
func (s *Store) Save(path string) error {
	s.mu.RLock()
	p := persisted{
		Profile: string(s.profile),
		Values:  make(map[string]any, len(s.entries)),
		SavedAt: time.Now().UTC(),
	}
	for name, e := range s.entries {
		p.Values[name] = e.value
	}
	if len(s.unknown) > 0 {
		p.Unknown = make(map[string]any, len(s.unknown))
		for k, v := range s.unknown {
			p.Unknown[k] = v
		}
	}
	s.mu.RUnlock()

	data, err := yaml.Marshal(&p)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load restores parameter values from a file produced by Save. Unknown
// keys are preserved for the next Save and flagged with a warning count.
// Returns the names of unknown keys.
func (s *Store) Load(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p persisted
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}

	var unknown []string
	for name, v := range p.Values {
		s.mu.RLock()
		_, known := s.entries[name]
		s.mu.RUnlock()
		if !known {
			s.mu.Lock()
			s.unknown[name] = v
			s.mu.Unlock()
			unknown = append(unknown, name)
			continue
		}
		if err := s.Set(name, v); err != nil {
			return unknown, fmt.Errorf("load %s: %w", name, err)
		}
	}
	for name, v := range p.Unknown {
		s.mu.Lock()
		s.unknown[name] = v
		s.mu.Unlock()
		unknown = append(unknown, name)
	}

	if p.Profile != "" {
		s.mu.Lock()
		s.profile = RiskProfile(p.Profile)
		s.mu.Unlock()
	}
	return unknown, nil
}
