// Package extract turns the source page into item descriptors using a table
// of named targets, each bound to an extraction strategy.
package extract

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/trashtv-ingest/internal/ingest"
)

// Kind selects the strategy used for a target.
type Kind string

const (
	// KindBackground reads the locator from a CSS background-image and the id
	// from the text of a sibling anchor.
	KindBackground Kind = "background"
	// KindAttribute reads both id and locator from attributes of the anchor.
	KindAttribute Kind = "attribute"
)

const (
	defaultIDAnchor           = "gifid"
	defaultIDAttr             = "index"
	defaultLocatorAttr        = "src"
	defaultBackgroundLocation = "style"
)

var anchorNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// Target is one named region of the source document yielding one descriptor.
type Target struct {
	// Name is the element id of the anchor.
	Name string `mapstructure:"name" yaml:"name"`
	Kind Kind   `mapstructure:"kind" yaml:"kind"`
	// IDAnchor is the element id holding the item id for background targets.
	IDAnchor string `mapstructure:"id_anchor" yaml:"id_anchor"`
	// IDAttr is the attribute holding the item id for attribute targets.
	IDAttr string `mapstructure:"id_attr" yaml:"id_attr"`
	// LocatorAttr is the attribute holding the payload URL for attribute targets.
	LocatorAttr string `mapstructure:"locator_attr" yaml:"locator_attr"`
}

// DefaultTargets mirrors the layout of the archillect TV page.
func DefaultTargets() []Target {
	return []Target{
		{Name: "screenbg", Kind: KindBackground, IDAnchor: defaultIDAnchor},
		{Name: "buffer", Kind: KindAttribute, IDAttr: defaultIDAttr, LocatorAttr: defaultLocatorAttr},
	}
}

// withDefaults fills the optional fields of a target.
func (t Target) withDefaults() Target {
	switch t.Kind {
	case KindBackground:
		if t.IDAnchor == "" {
			t.IDAnchor = defaultIDAnchor
		}
	case KindAttribute:
		if t.IDAttr == "" {
			t.IDAttr = defaultIDAttr
		}
		if t.LocatorAttr == "" {
			t.LocatorAttr = defaultLocatorAttr
		}
	}
	return t
}

// Validate checks that the target can be looked up and has a known strategy.
func (t Target) Validate() error {
	if !anchorNamePattern.MatchString(t.Name) {
		return fmt.Errorf("target name %q is not a valid element id", t.Name)
	}
	if _, ok := strategies[t.Kind]; !ok {
		return fmt.Errorf("target %q: unknown kind %q", t.Name, t.Kind)
	}
	if t.Kind == KindBackground && t.IDAnchor != "" && !anchorNamePattern.MatchString(t.IDAnchor) {
		return fmt.Errorf("target %q: id_anchor %q is not a valid element id", t.Name, t.IDAnchor)
	}
	return nil
}

// Extractor implements ingest.Extractor over a fixed, ordered target table.
type Extractor struct {
	targets []Target
}

// New validates the targets and builds an Extractor.
func New(targets []Target) (*Extractor, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("at least one target is required")
	}
	seen := make(map[string]struct{}, len(targets))
	resolved := make([]Target, 0, len(targets))
	for _, t := range targets {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[t.Name]; dup {
			return nil, fmt.Errorf("duplicate target %q", t.Name)
		}
		seen[t.Name] = struct{}{}
		resolved = append(resolved, t.withDefaults())
	}
	return &Extractor{targets: resolved}, nil
}

// Extract parses doc and returns one descriptor per target in table order.
// Any missing anchor or attribute fails the whole document.
func (e *Extractor) Extract(doc []byte) ([]ingest.Descriptor, error) {
	parsed, err := goquery.NewDocumentFromReader(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: parse document: %w", ingest.ErrExtraction, err)
	}
	out := make([]ingest.Descriptor, 0, len(e.targets))
	for _, t := range e.targets {
		desc, err := strategies[t.Kind].extract(parsed, t)
		if err != nil {
			return nil, err
		}
		out = append(out, desc)
	}
	return out, nil
}

func findAnchor(doc *goquery.Document, id string) (*goquery.Selection, bool) {
	sel := doc.Find("#" + id).First()
	return sel, sel.Length() > 0
}

func requiredAttr(sel *goquery.Selection, target, attr string) (string, error) {
	val, ok := sel.Attr(attr)
	val = strings.TrimSpace(val)
	if !ok || val == "" {
		return "", &ingest.ExtractionError{Target: target, Missing: fmt.Sprintf("attribute %q", attr)}
	}
	return val, nil
}
