package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store is the opaque strategy persistence contract. The core treats
// whatever backs it (QuestDB in production) as external; this package only
// needs save/load/soft-delete.
type Store interface {
	Save(ctx context.Context, s *Strategy) error
	LoadEnabled(ctx context.Context) ([]*Strategy, error)
	SoftDelete(ctx context.Context, name string) error
}

// legacy and modern section keys accepted on load; only modern keys are
// ever written.
var groupKeyAliases = map[GroupName][2]string{
	GroupS1:  {"signal_detection", "s1_signal"},
	GroupO1:  {"signal_cancellation", "o1_cancel"},
	GroupZ1:  {"entry_conditions", "z1_entry"},
	GroupZE1: {"close_order_detection", "ze1_close"},
	GroupE1:  {"emergency_exit", "emergency_exit"},
}

// conditionDoc is the on-disk shape of a single Condition, matching the
// modern "Condition JSON form" in the glossary plus the fields this engine
// additionally tracks (name, enabled, description).
type conditionDoc struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	IndicatorID   string    `json:"indicatorId"`
	Operator      string    `json:"operator"`
	Value         float64   `json:"value"`
	Between       *[2]float64 `json:"between,omitempty"`
	Allowed       []float64 `json:"allowed,omitempty"`
	Enabled       *bool     `json:"enabled,omitempty"`
	Description   string    `json:"description,omitempty"`
}

type groupDoc struct {
	Conditions []conditionDoc `json:"conditions"`
	RequireAll *bool          `json:"requireAll,omitempty"`
}

type strategyDoc struct {
	StrategyName string              `json:"strategyName"`
	Symbol       string              `json:"symbol"`
	Direction    string              `json:"direction"`
	Enabled      bool                `json:"enabled"`
	Sections     map[string]groupDoc `json:"-"`
	GlobalLimits GlobalLimits        `json:"globalLimits"`

	raw map[string]json.RawMessage
}

// toStrategy converts the on-disk document into a runtime Strategy,
// accepting either legacy or modern section keys per group.
func (d *strategyDoc) toStrategy() (*Strategy, error) {
	s := NewStrategy(d.StrategyName, d.Symbol, Direction(d.Direction))
	s.Enabled = d.Enabled
	s.Limits = d.GlobalLimits

	for group, aliases := range groupKeyAliases {
		legacyKey, modernKey := aliases[0], aliases[1]

		var raw json.RawMessage
		if v, ok := d.raw[modernKey]; ok {
			raw = v
		} else if v, ok := d.raw[legacyKey]; ok {
			raw = v
		} else {
			continue
		}

		var gd groupDoc
		if err := json.Unmarshal(raw, &gd); err != nil {
			return nil, fmt.Errorf("strategy persistence: decode group %q: %w", group, err)
		}

		cg := &ConditionGroup{Name: string(group), RequireAll: true}
		if gd.RequireAll != nil {
			cg.RequireAll = *gd.RequireAll
		}
		for _, cd := range gd.Conditions {
			op, err := ParseOperator(cd.Operator)
			if err != nil {
				return nil, fmt.Errorf("strategy persistence: strategy %q group %q: %w", d.StrategyName, group, err)
			}
			cond := &Condition{
				Name:          firstNonEmpty(cd.Name, cd.ID),
				ConditionType: cd.IndicatorID,
				Operator:      op,
				Value:         cd.Value,
				Allowed:       cd.Allowed,
				Enabled:       true,
				Description:   cd.Description,
			}
			if cd.Between != nil {
				cond.Between = *cd.Between
			}
			if cd.Enabled != nil {
				cond.Enabled = *cd.Enabled
			}
			cg.Conditions = append(cg.Conditions, cond)
		}
		s.Groups[group] = cg
	}

	return s, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// fromStrategy renders a runtime Strategy into the on-disk document, always
// using modern section keys.
func fromStrategy(s *Strategy) *strategyDoc {
	doc := &strategyDoc{
		StrategyName: s.Name,
		Symbol:       s.Symbol,
		Direction:    string(s.Direction),
		Enabled:      s.Enabled,
		GlobalLimits: s.Limits,
		raw:          make(map[string]json.RawMessage),
	}

	for group, aliases := range groupKeyAliases {
		cg := s.Groups[group]
		if cg == nil {
			continue
		}
		gd := groupDoc{RequireAll: &cg.RequireAll}
		for _, c := range cg.Conditions {
			cd := conditionDoc{
				ID:          c.Name,
				Name:        c.Name,
				IndicatorID: c.ConditionType,
				Operator:    operatorString(c.Operator),
				Value:       c.Value,
				Allowed:     c.Allowed,
				Enabled:     &c.Enabled,
				Description: c.Description,
			}
			if c.Operator == OpBetween {
				b := c.Between
				cd.Between = &b
			}
			gd.Conditions = append(gd.Conditions, cd)
		}
		raw, _ := json.Marshal(gd)
		doc.raw[aliases[1]] = raw
	}

	return doc
}

func operatorString(op Operator) string {
	switch op {
	case OpGTE:
		return "gte"
	case OpLTE:
		return "lte"
	case OpGT:
		return "gt"
	case OpLT:
		return "lt"
	case OpEQ:
		return "eq"
	case OpBetween:
		return "between"
	case OpAllowed:
		return "allowed"
	default:
		return ""
	}
}

// MarshalJSON flattens the envelope fields together with each group's raw
// section under its modern key. Envelope fields take precedence over raw
// keys of the same name.
func (d *strategyDoc) MarshalJSON() ([]byte, error) {
	flat := map[string]json.RawMessage{}
	for k, v := range d.raw {
		flat[k] = v
	}

	envelope := struct {
		StrategyName string       `json:"strategyName"`
		Symbol       string       `json:"symbol"`
		Direction    string       `json:"direction"`
		Enabled      bool         `json:"enabled"`
		GlobalLimits GlobalLimits `json:"globalLimits"`
	}{d.StrategyName, d.Symbol, d.Direction, d.Enabled, d.GlobalLimits}

	envBytes, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(envBytes, &merged); err != nil {
		return nil, err
	}
	for k, v := range flat {
		if _, isEnvelope := merged[k]; isEnvelope {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON captures every top-level key into raw so legacy and modern
// section aliases can both be recognized.
func (d *strategyDoc) UnmarshalJSON(data []byte) error {
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return err
	}
	d.raw = merged

	type envelope struct {
		StrategyName string       `json:"strategyName"`
		Symbol       string       `json:"symbol"`
		Direction    string       `json:"direction"`
		Enabled      bool         `json:"enabled"`
		GlobalLimits GlobalLimits `json:"globalLimits"`
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	d.StrategyName = env.StrategyName
	d.Symbol = env.Symbol
	d.Direction = env.Direction
	d.Enabled = env.Enabled
	d.GlobalLimits = env.GlobalLimits
	return nil
}

// FileStore persists strategies as one JSON document per strategy name under
// a directory, standing in for the opaque QuestDB-backed store.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates a FileStore rooted at dir, creating it if necessary.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("strategy persistence: create store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (fs *FileStore) path(name string) string {
	return filepath.Join(fs.dir, name+".json")
}

// Save writes s using modern section keys.
func (fs *FileStore) Save(ctx context.Context, s *Strategy) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	doc := fromStrategy(s)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("strategy persistence: marshal %q: %w", s.Name, err)
	}
	return os.WriteFile(fs.path(s.Name), data, 0o644)
}

// LoadEnabled reads every persisted strategy and returns the ones marked
// enabled, accepting either legacy or modern section keys.
func (fs *FileStore) LoadEnabled(ctx context.Context) ([]*Strategy, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("strategy persistence: read store dir: %w", err)
	}

	var out []*Strategy
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(fs.dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("strategy persistence: read %q: %w", e.Name(), err)
		}

		var doc strategyDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("strategy persistence: unmarshal %q: %w", e.Name(), err)
		}
		if !doc.Enabled {
			continue
		}
		s, err := doc.toStrategy()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// SoftDelete marks name disabled in place rather than removing its file, so
// the audit trail survives.
func (fs *FileStore) SoftDelete(ctx context.Context, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.path(name))
	if err != nil {
		return fmt.Errorf("strategy persistence: soft delete %q: %w", name, err)
	}
	var doc strategyDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("strategy persistence: soft delete %q: %w", name, err)
	}
	doc.Enabled = false
	out, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(fs.path(name), out, 0o644)
}
