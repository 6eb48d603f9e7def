// Package xidml reads and writes the XidML metadata that names the values
// carried by an IENA stream.
package xidml

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/banshee-data/iena-monitor/internal/iena"
)

// Defaults applied when a parameter omits its range.
const (
	DefaultRangeMinimum = 0.0
	DefaultRangeMaximum = 100.0
)

var ErrNoParameters = errors.New("xidml: no parameters defined")

// Parameter describes one value slot in the packet payload.
type Parameter struct {
	Name       string
	Index      int
	DataFormat string
	Unit       string
	RangeMin   float64
	RangeMax   float64
}

// Document is the stream description.
type Document struct {
	Package string
	// Key is the package's ienaKey when HasKey is set.
	Key        uint16
	HasKey     bool
	Parameters []Parameter // sorted by Index
}

// Names returns the parameter names in index order.
func (d *Document) Names() []string {
	names := make([]string, len(d.Parameters))
	for i, p := range d.Parameters {
		names[i] = p.Name
	}
	return names
}

// Lookup returns the parameter with the given name.
func (d *Document) Lookup(name string) (Parameter, bool) {
	if d == nil {
		return Parameter{}, false
	}
	for _, p := range d.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

type xmlParameter struct {
	Name         *string `xml:"name,attr"`
	Index        *string `xml:"index,attr"`
	DataFormat   string  `xml:"DataFormat"`
	Unit         string  `xml:"Unit"`
	RangeMinimum string  `xml:"RangeMinimum"`
	RangeMaximum string  `xml:"RangeMaximum"`
}

// Parse reads a XidML document. Parameter elements are collected at any
// depth and ordered by their index attribute; a parameter without one takes
// its position in the document. Names must be present and unique.
func Parse(r io.Reader) (*Document, error) {
	doc := &Document{}
	dec := xml.NewDecoder(r)
	position := 0

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("xidml: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch se.Name.Local {
		case "Package":
			if doc.Package != "" || doc.HasKey {
				continue
			}
			for _, a := range se.Attr {
				switch a.Name.Local {
				case "name":
					doc.Package = a.Value
				case "ienaKey":
					key, err := strconv.ParseUint(strings.TrimSpace(a.Value), 0, 16)
					if err != nil {
						return nil, fmt.Errorf("xidml: invalid ienaKey %q: %w", a.Value, err)
					}
					doc.Key = uint16(key)
					doc.HasKey = true
				}
			}
		case "Parameter":
			var xp xmlParameter
			if err := dec.DecodeElement(&xp, &se); err != nil {
				return nil, fmt.Errorf("xidml: parameter %d: %w", position, err)
			}
			p, err := xp.parameter(position)
			if err != nil {
				return nil, err
			}
			doc.Parameters = append(doc.Parameters, p)
			position++
		}
	}

	if len(doc.Parameters) == 0 {
		return nil, ErrNoParameters
	}
	sort.SliceStable(doc.Parameters, func(i, j int) bool {
		return doc.Parameters[i].Index < doc.Parameters[j].Index
	})
	seen := make(map[string]bool, len(doc.Parameters))
	for _, p := range doc.Parameters {
		if seen[p.Name] {
			return nil, fmt.Errorf("xidml: duplicate parameter name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return doc, nil
}

func (xp xmlParameter) parameter(position int) (Parameter, error) {
	if xp.Name == nil || strings.TrimSpace(*xp.Name) == "" {
		return Parameter{}, fmt.Errorf("xidml: parameter %d has no name", position)
	}
	p := Parameter{
		Name:       strings.TrimSpace(*xp.Name),
		Index:      position,
		DataFormat: strings.TrimSpace(xp.DataFormat),
		Unit:       strings.TrimSpace(xp.Unit),
	}
	if xp.Index != nil {
		idx, err := strconv.Atoi(strings.TrimSpace(*xp.Index))
		if err != nil || idx < 0 {
			return Parameter{}, fmt.Errorf("xidml: parameter %q has invalid index %q", p.Name, *xp.Index)
		}
		p.Index = idx
	}
	var err error
	if p.RangeMin, err = parseFloat(xp.RangeMinimum, DefaultRangeMinimum); err != nil {
		return Parameter{}, fmt.Errorf("xidml: parameter %q RangeMinimum: %w", p.Name, err)
	}
	if p.RangeMax, err = parseFloat(xp.RangeMaximum, DefaultRangeMaximum); err != nil {
		return Parameter{}, fmt.Errorf("xidml: parameter %q RangeMaximum: %w", p.Name, err)
	}
	return p, nil
}

func parseFloat(s string, def float64) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	return strconv.ParseFloat(s, 64)
}

// Load parses the XidML file at path.
func Load(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	doc, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

type outDocument struct {
	XMLName         xml.Name `xml:"XidML"`
	Version         string   `xml:"version,attr"`
	Instrumentation struct {
		Package outPackage `xml:"Package"`
	} `xml:"Instrumentation"`
}

type outPackage struct {
	Name       string         `xml:"name,attr"`
	Key        string         `xml:"ienaKey,attr,omitempty"`
	Parameters []outParameter `xml:"ParameterSet>Parameter"`
}

type outParameter struct {
	Name         string `xml:"name,attr"`
	Index        int    `xml:"index,attr"`
	DataFormat   string `xml:"DataFormat,omitempty"`
	Unit         string `xml:"Unit,omitempty"`
	RangeMinimum string `xml:"RangeMinimum"`
	RangeMaximum string `xml:"RangeMaximum"`
}

// Write encodes doc as indented XidML 3.0.
func Write(w io.Writer, doc *Document) error {
	var out outDocument
	out.Version = "3.0"
	out.Instrumentation.Package.Name = doc.Package
	if doc.HasKey {
		out.Instrumentation.Package.Key = iena.FormatKey(doc.Key)
	}
	for _, p := range doc.Parameters {
		out.Instrumentation.Package.Parameters = append(out.Instrumentation.Package.Parameters, outParameter{
			Name:         p.Name,
			Index:        p.Index,
			DataFormat:   p.DataFormat,
			Unit:         p.Unit,
			RangeMinimum: strconv.FormatFloat(p.RangeMin, 'f', -1, 64),
			RangeMaximum: strconv.FormatFloat(p.RangeMax, 'f', -1, 64),
		})
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// Save writes doc to path.
func Save(path string, doc *Document) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, doc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Generate describes a Float32 stream whose parameter i spans [0, i+1].
func Generate(pkg string, key uint16, names []string) *Document {
	doc := &Document{Package: pkg, Key: key, HasKey: true}
	for i, name := range names {
		doc.Parameters = append(doc.Parameters, Parameter{
			Name:       name,
			Index:      i,
			DataFormat: "Float32",
			RangeMin:   0,
			RangeMax:   float64(i + 1),
		})
	}
	return doc
}

// AlphabetNames returns the names "a", "b", ... for n parameters, n <= 26.
func AlphabetNames(n int) []string {
	n = max(0, min(n, 26))
	names := make([]string, n)
	for i := range names {
		names[i] = string(rune('a' + i))
	}
	return names
}
