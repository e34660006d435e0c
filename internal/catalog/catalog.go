// Package catalog holds the static conversation scenarios and synthesised
// voices a learner can choose from.
//
// A built-in catalog is embedded in the binary. An override file with the
// same layout may replace it at startup or on config reload; a [Store] swaps
// whole catalogs atomically so readers never see a partial update.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

//go:embed scenarios.yaml
var builtinYAML string

// DefaultInstructions configure the realtime session before a scenario has
// been picked.
const DefaultInstructions = "You are an English conversation tutor helping students practice English in real-life situations. " +
	"Speak clearly and naturally. Ask engaging questions and provide helpful feedback. " +
	"Keep conversations appropriate for language learners."

const practiceSuffix = "\n\nThis is an English conversation practice session. " +
	"The student is learning English, so please speak clearly and at an appropriate pace. " +
	"Ask natural questions related to this scenario and be encouraging."

// Scenario is one role-play situation.
type Scenario struct {
	ID              string `yaml:"id"               json:"id"`
	Title           string `yaml:"title"            json:"title"`
	TitleKr         string `yaml:"title_kr"         json:"titleKr"`
	Icon            string `yaml:"icon"             json:"icon"`
	Description     string `yaml:"description"      json:"description"`
	AIPrompt        string `yaml:"ai_prompt"        json:"aiPrompt"`
	BackgroundColor string `yaml:"background_color" json:"backgroundColor"`
}

// Instructions returns the session instructions for s: its prompt followed
// by the practice-session guidance.
func Instructions(s Scenario) string {
	return s.AIPrompt + practiceSuffix
}

// Gender of a synthesised voice.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// Voice is a selectable synthesised voice.
type Voice struct {
	Code        string `yaml:"code"        json:"code"`
	Label       string `yaml:"label"       json:"label"`
	Text        string `yaml:"text"        json:"text"`
	Gender      Gender `yaml:"gender"      json:"gender"`
	Description string `yaml:"description" json:"description"`
}

// File is the on-disk catalog layout.
//
// Example:
//
//	scenarios:
//	  - id: coffee-shop
//	    title: Coffee Shop Ordering
//	    ai_prompt: You are a friendly barista...
//	voices:
//	  - code: alloy
//	    text: Alloy
//	    gender: male
type File struct {
	Scenarios []Scenario `yaml:"scenarios"`
	Voices    []Voice    `yaml:"voices"`
}

// Catalog is an immutable set of scenarios and voices.
type Catalog struct {
	scenarios []Scenario
	byID      map[string]int
	voices    []Voice
	byCode    map[string]int
}

var builtin = func() *Catalog {
	f, err := decode(strings.NewReader(builtinYAML))
	if err == nil {
		var c *Catalog
		if c, err = New(f); err == nil {
			return c
		}
	}
	panic(fmt.Sprintf("catalog: embedded catalog: %v", err))
}()

// Default returns the embedded catalog.
func Default() *Catalog { return builtin }

// LoadFile reads a catalog override from path. Voices missing from the file
// are taken from the embedded catalog.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %q: %w", path, err)
	}
	defer f.Close()

	c, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("catalog: parse %q: %w", path, err)
	}
	return c, nil
}

// LoadFromReader parses catalog YAML from r.
func LoadFromReader(r io.Reader) (*Catalog, error) {
	f, err := decode(r)
	if err != nil {
		return nil, err
	}
	if len(f.Voices) == 0 {
		f.Voices = Default().Voices()
	}
	return New(f)
}

func decode(r io.Reader) (File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return File{}, fmt.Errorf("catalog: decode yaml: %w", err)
	}
	return f, nil
}

// New validates f and builds a Catalog from it.
func New(f File) (*Catalog, error) {
	var errs []error
	if len(f.Scenarios) == 0 {
		errs = append(errs, errors.New("catalog: at least one scenario is required"))
	}
	if len(f.Voices) == 0 {
		errs = append(errs, errors.New("catalog: at least one voice is required"))
	}

	c := &Catalog{
		scenarios: append([]Scenario(nil), f.Scenarios...),
		byID:      make(map[string]int, len(f.Scenarios)),
		voices:    append([]Voice(nil), f.Voices...),
		byCode:    make(map[string]int, len(f.Voices)),
	}
	for i, s := range c.scenarios {
		switch {
		case s.ID == "":
			errs = append(errs, fmt.Errorf("catalog: scenarios[%d].id is required", i))
			continue
		case strings.TrimSpace(s.AIPrompt) == "":
			errs = append(errs, fmt.Errorf("catalog: scenario %q: ai_prompt is required", s.ID))
		}
		if _, dup := c.byID[s.ID]; dup {
			errs = append(errs, fmt.Errorf("catalog: duplicate scenario id %q", s.ID))
		}
		c.byID[s.ID] = i
	}
	for i, v := range c.voices {
		if v.Code == "" {
			errs = append(errs, fmt.Errorf("catalog: voices[%d].code is required", i))
			continue
		}
		if _, dup := c.byCode[v.Code]; dup {
			errs = append(errs, fmt.Errorf("catalog: duplicate voice code %q", v.Code))
		}
		c.byCode[v.Code] = i
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}

// Scenarios returns all scenarios in catalog order.
func (c *Catalog) Scenarios() []Scenario {
	return append([]Scenario(nil), c.scenarios...)
}

// Scenario looks up a scenario by id.
func (c *Catalog) Scenario(id string) (Scenario, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Scenario{}, false
	}
	return c.scenarios[i], true
}

// Voices returns all voices in catalog order.
func (c *Catalog) Voices() []Voice {
	return append([]Voice(nil), c.voices...)
}

// Voice looks up a voice by code.
func (c *Catalog) Voice(code string) (Voice, bool) {
	i, ok := c.byCode[code]
	if !ok {
		return Voice{}, false
	}
	return c.voices[i], true
}

// DefaultVoice is the first voice of the catalog.
func (c *Catalog) DefaultVoice() Voice { return c.voices[0] }

// Store holds the current catalog. Safe for concurrent use.
type Store struct {
	cur atomic.Pointer[Catalog]
}

// NewStore returns a Store serving c.
func NewStore(c *Catalog) *Store {
	s := &Store{}
	s.cur.Store(c)
	return s
}

// Current returns the catalog in effect.
func (s *Store) Current() *Catalog { return s.cur.Load() }

// Swap replaces the catalog.
func (s *Store) Swap(c *Catalog) { s.cur.Store(c) }
