package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/trashtv-ingest/internal/ingest"
)

type strategy interface {
	extract(doc *goquery.Document, t Target) (ingest.Descriptor, error)
}

var strategies = map[Kind]strategy{
	KindBackground: backgroundStrategy{},
	KindAttribute:  attributeStrategy{},
}

type backgroundStrategy struct{}

func (backgroundStrategy) extract(doc *goquery.Document, t Target) (ingest.Descriptor, error) {
	anchor, ok := findAnchor(doc, t.Name)
	if !ok {
		return ingest.Descriptor{}, &ingest.ExtractionError{Target: t.Name, Missing: "anchor #" + t.Name}
	}
	idAnchor, ok := findAnchor(doc, t.IDAnchor)
	if !ok {
		return ingest.Descriptor{}, &ingest.ExtractionError{Target: t.Name, Missing: "anchor #" + t.IDAnchor}
	}
	id := strings.TrimPrefix(strings.TrimSpace(idAnchor.Text()), "#")
	id = strings.TrimSpace(id)
	if id == "" {
		return ingest.Descriptor{}, &ingest.ExtractionError{Target: t.Name, Missing: "text of #" + t.IDAnchor}
	}
	style, err := requiredAttr(anchor, t.Name, defaultBackgroundLocation)
	if err != nil {
		return ingest.Descriptor{}, err
	}
	locator, ok := backgroundURL(style)
	if !ok {
		return ingest.Descriptor{}, &ingest.ExtractionError{Target: t.Name, Missing: "background-image url"}
	}
	return ingest.Descriptor{ExternalID: id, SourceLocator: locator}, nil
}

// backgroundURL pulls the URL out of a style value such as
// `background-image: url("http://x/a.gif");`. A quoted URL ends at its closing
// quote; an unquoted one at the last `)` of the declaration, so parentheses
// inside the URL survive.
func backgroundURL(style string) (string, bool) {
	lower := strings.ToLower(style)
	prop := strings.Index(lower, "background-image")
	if prop < 0 {
		return "", false
	}
	rest := style[prop:]
	open := strings.Index(strings.ToLower(rest), "url(")
	if open < 0 {
		return "", false
	}
	rest = strings.TrimLeft(rest[open+len("url("):], " \t")
	if rest == "" {
		return "", false
	}

	var raw string
	if q := rest[0]; q == '"' || q == '\'' {
		end := strings.IndexByte(rest[1:], q)
		if end < 0 {
			return "", false
		}
		raw = rest[1 : 1+end]
		if !strings.HasPrefix(strings.TrimLeft(rest[2+end:], " \t"), ")") {
			return "", false
		}
	} else {
		decl := rest
		if semi := strings.IndexByte(decl, ';'); semi >= 0 {
			decl = decl[:semi]
		}
		end := strings.LastIndexByte(decl, ')')
		if end < 0 {
			return "", false
		}
		raw = decl[:end]
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	return raw, true
}

type attributeStrategy struct{}

func (attributeStrategy) extract(doc *goquery.Document, t Target) (ingest.Descriptor, error) {
	anchor, ok := findAnchor(doc, t.Name)
	if !ok {
		return ingest.Descriptor{}, &ingest.ExtractionError{Target: t.Name, Missing: "anchor #" + t.Name}
	}
	id, err := requiredAttr(anchor, t.Name, t.IDAttr)
	if err != nil {
		return ingest.Descriptor{}, err
	}
	locator, err := requiredAttr(anchor, t.Name, t.LocatorAttr)
	if err != nil {
		return ingest.Descriptor{}, err
	}
	return ingest.Descriptor{ExternalID: id, SourceLocator: locator}, nil
}
