package matsim2sqlite

import (
	"encoding/xml"
	"errors"
	"fmt"
	"github.com/dustin/go-humanize"
	"io"
	"log/slog"
	"strconv"
)

type ParseOpts struct {
	SelectedPlansOnly bool
}

var ErrMalformedInput = errors.New("malformed input")

// MalformedInputError reports an element that appeared outside of its expected ancestor, or a document
// the token stream could not read.
type MalformedInputError struct {
	Element string
	Offset  int64
	Reason  string
}

func (e *MalformedInputError) Error() string {
	if e.Element == "" {
		return fmt.Sprintf("malformed input at offset %d: %s", e.Offset, e.Reason)
	}
	return fmt.Sprintf("malformed input at offset %d: <%s> %s", e.Offset, e.Element, e.Reason)
}

func (e *MalformedInputError) Unwrap() error {
	return ErrMalformedInput
}

const logEveryPersons = 100_000

// tokenSource is the subset of *xml.Decoder the reducer consumes.
type tokenSource interface {
	Token() (xml.Token, error)
	Skip() error
	InputOffset() int64
}

func ParseFile(path string, opts *ParseOpts) (*Plans, error) {
	if path == "" {
		panic("Missing path")
	}

	input, err := openInput(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = input.Close() }()

	slog.Info(fmt.Sprintf("Parsing %s", path))
	plans, err := Parse(input, opts)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return plans, nil
}

// Parse reduces a plans document into its five tables. It never builds the document tree: each entity is
// flushed into the store as soon as its closing tag is read.
func Parse(r io.Reader, opts *ParseOpts) (*Plans, error) {
	if opts == nil {
		opts = &ParseOpts{}
	}

	red := &reducer{
		src:    xml.NewDecoder(r),
		store:  NewStore(),
		filter: PlanFilter{SelectedOnly: opts.SelectedPlansOnly},
	}
	if err := red.run(); err != nil {
		return nil, err
	}

	out := red.store.Plans()
	slog.Info(fmt.Sprintf("Parsed %s persons, %s plans, %s activities, %s legs, %s routes from %s of XML",
		humanize.Comma(int64(len(out.Persons))), humanize.Comma(int64(len(out.Plans))),
		humanize.Comma(int64(len(out.Activities))), humanize.Comma(int64(len(out.Legs))),
		humanize.Comma(int64(len(out.Routes))), humanize.Bytes(uint64(red.src.InputOffset()))))
	if red.skippedPlans > 0 {
		slog.Info(fmt.Sprintf("Skipped %s unselected plans", humanize.Comma(int64(red.skippedPlans))))
	}
	return out, nil
}

type reducer struct {
	src    tokenSource
	store  *Store
	filter PlanFilter

	// Open entities, innermost last
	stack []Kind

	person   Person
	plan     Plan
	activity Activity
	leg      Leg
	route    Route

	// Body text is only kept for route and attribute elements. An attribute nested in a route has its
	// own buffer so the route text around it is kept.
	depth     int
	routeText bodyText
	attrText  bodyText
	attrName  string

	// Inside the <attributes> block of the root element
	inPopulationAttrs bool
	skippedPlans      int
}

func (p *reducer) run() error {
	for {
		tok, err := p.src.Token()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			var syntaxErr *xml.SyntaxError
			if errors.As(err, &syntaxErr) {
				return p.malformed("", syntaxErr.Msg)
			}
			return err
		}

		switch tok := tok.(type) {
		case xml.StartElement:
			if err := p.start(tok); err != nil {
				return err
			}
		case xml.EndElement:
			if err := p.end(tok); err != nil {
				return err
			}
		case xml.CharData:
			if !p.attrText.append(p.depth, tok) {
				p.routeText.append(p.depth, tok)
			}
		}
	}

	if len(p.stack) > 0 {
		return p.malformed(p.top().String(), "not closed before end of input")
	}
	return nil
}

func (p *reducer) start(el xml.StartElement) error {
	name := el.Name.Local

	switch name {
	case "person":
		if len(p.stack) != 0 {
			return p.malformed(name, "inside <"+p.top().String()+">")
		}
		id, ok := attrValue(el, "id")
		if !ok {
			return p.malformed(name, "missing id")
		}
		p.person = Person{ID: id}
		for _, attr := range el.Attr {
			if attr.Name.Local == "id" {
				continue
			}
			if err := p.assign(KindPerson, attr.Name.Local, attr.Value); err != nil {
				return err
			}
		}
		p.push(KindPerson)

	case "plan":
		if p.top() != KindPerson {
			return p.malformed(name, "outside of a person")
		}
		selected, _ := attrValue(el, "selected")
		if !p.filter.Keep(selected) {
			p.skippedPlans++
			// Consumes everything up to and including the matching </plan>
			if err := p.src.Skip(); err != nil {
				return p.malformed(name, err.Error())
			}
			return nil
		}
		p.plan = Plan{ID: p.store.NextID(KindPlan), PersonID: p.person.ID}
		if err := p.assignAll(KindPlan, el); err != nil {
			return err
		}
		p.push(KindPlan)

	case "activity", "act":
		if p.top() != KindPlan {
			return p.malformed(name, "outside of a plan")
		}
		p.activity = Activity{ID: p.store.NextID(KindActivity), PlanID: p.plan.ID}
		if err := p.assignAll(KindActivity, el); err != nil {
			return err
		}
		p.push(KindActivity)

	case "leg":
		if p.top() != KindPlan {
			return p.malformed(name, "outside of a plan")
		}
		p.leg = Leg{ID: p.store.NextID(KindLeg), PlanID: p.plan.ID}
		if err := p.assignAll(KindLeg, el); err != nil {
			return err
		}
		p.push(KindLeg)

	case "route":
		if p.top() != KindLeg {
			return p.malformed(name, "outside of a leg")
		}
		p.route = Route{ID: p.store.NextID(KindRoute), LegID: p.leg.ID}
		if err := p.assignAll(KindRoute, el); err != nil {
			return err
		}
		p.push(KindRoute)
		p.depth++
		p.routeText.collect(p.depth)
		return nil

	case "attributes":
		if len(p.stack) == 0 && p.depth == 1 {
			p.inPopulationAttrs = true
		}

	case "attribute":
		if len(p.stack) == 0 && !p.inPopulationAttrs {
			return p.malformed(name, "outside of a person, plan, activity or leg")
		}
		attrName, ok := attrValue(el, "name")
		if !ok {
			return p.malformed(name, "missing name")
		}
		p.attrName = attrName
		p.depth++
		p.attrText.collect(p.depth)
		return nil
	}

	p.depth++
	return nil
}

func (p *reducer) end(el xml.EndElement) error {
	name := el.Name.Local
	p.depth--

	switch name {
	case "person":
		if err := p.pop(KindPerson, name); err != nil {
			return err
		}
		p.store.AppendPerson(p.person)
		p.person = Person{}
		if n := len(p.store.persons); n%logEveryPersons == 0 {
			slog.Info(fmt.Sprintf("Parsed %s persons (%s read)",
				humanize.Comma(int64(n)), humanize.Bytes(uint64(p.src.InputOffset()))))
		}

	case "plan":
		if err := p.pop(KindPlan, name); err != nil {
			return err
		}
		p.store.AppendPlan(p.plan)
		p.plan = Plan{}

	case "activity", "act":
		if err := p.pop(KindActivity, name); err != nil {
			return err
		}
		p.store.AppendActivity(p.activity)
		p.activity = Activity{}

	case "leg":
		if err := p.pop(KindLeg, name); err != nil {
			return err
		}
		p.store.AppendLeg(p.leg)
		p.leg = Leg{}

	case "route":
		if err := p.pop(KindRoute, name); err != nil {
			return err
		}
		p.route.Value = p.routeText.take()
		p.store.AppendRoute(p.route)
		p.route = Route{}

	case "attributes":
		if len(p.stack) == 0 && p.depth == 1 {
			p.inPopulationAttrs = false
		}

	case "attribute":
		value := p.attrText.take()
		if len(p.stack) == 0 {
			setAttr(&p.store.attrs, p.attrName, value)
		} else if err := p.assign(p.top(), p.attrName, value); err != nil {
			return err
		}
		p.attrName = ""
	}
	return nil
}

func (p *reducer) assignAll(kind Kind, el xml.StartElement) error {
	for _, attr := range el.Attr {
		if err := p.assign(kind, attr.Name.Local, attr.Value); err != nil {
			return err
		}
	}
	return nil
}

// assign writes a named value into the open row of kind, either into a known column or into the row's
// extra attributes. Only an exact name match sets a known column; see attrColumnName for the rest.
func (p *reducer) assign(kind Kind, name, value string) error {
	switch kind {
	case KindPerson:
		setAttr(&p.person.Attrs, attrColumnName(kind.table(), name), value)

	case KindPlan:
		if name == "selected" {
			p.plan.Selected = value
		} else {
			setAttr(&p.plan.Attrs, attrColumnName(kind.table(), name), value)
		}

	case KindActivity:
		a := &p.activity
		switch name {
		case "type":
			a.Type = value
		case "facility":
			a.Facility = value
		case "link":
			a.Link = value
		case "start_time":
			a.StartTime = value
		case "end_time":
			a.EndTime = value
		case "x", "y":
			coord, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return p.malformed("activity", fmt.Sprintf("invalid %s coordinate %q", name, value))
			}
			if name == "x" {
				a.X = &coord
			} else {
				a.Y = &coord
			}
		default:
			setAttr(&a.Attrs, attrColumnName(kind.table(), name), value)
		}

	case KindLeg:
		if name == "mode" {
			p.leg.Mode = value
		} else {
			setAttr(&p.leg.Attrs, attrColumnName(kind.table(), name), value)
		}

	case KindRoute:
		setAttr(&p.route.Attrs, attrColumnName(kind.table(), name), value)
	}
	return nil
}

func (p *reducer) push(kind Kind) {
	p.stack = append(p.stack, kind)
}

func (p *reducer) pop(kind Kind, name string) error {
	if p.top() != kind {
		return p.malformed(name, "closed while <"+p.top().String()+"> is open")
	}
	p.stack = p.stack[:len(p.stack)-1]
	return nil
}

// top returns the innermost open entity, or -1 if none is open.
func (p *reducer) top() Kind {
	if len(p.stack) == 0 {
		return -1
	}
	return p.stack[len(p.stack)-1]
}

// bodyText collects the character data directly inside one element. A zero depth means inactive.
type bodyText struct {
	depth int
	buf   []byte
}

func (b *bodyText) collect(depth int) {
	b.depth = depth
	b.buf = b.buf[:0]
}

func (b *bodyText) append(depth int, data []byte) bool {
	if b.depth == 0 || b.depth != depth {
		return false
	}
	b.buf = append(b.buf, data...)
	return true
}

func (b *bodyText) take() string {
	s := string(b.buf)
	b.buf = b.buf[:0]
	b.depth = 0
	return s
}

func (p *reducer) malformed(element, reason string) error {
	return &MalformedInputError{Element: element, Offset: p.src.InputOffset(), Reason: reason}
}

func attrValue(el xml.StartElement, name string) (string, bool) {
	for _, attr := range el.Attr {
		if attr.Name.Local == name {
			return attr.Value, true
		}
	}
	return "", false
}
