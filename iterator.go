package matsim2sqlite

import (
	"encoding/xml"
	"errors"
	"io"
)

// PersonElement is the person context of a PlanIterator pair: the person's XML attributes and any generic
// attribute elements read before its first plan.
type PersonElement struct {
	ID         string
	Attrs      []xml.Attr
	Attributes map[string]string
}

// Element is a decoded XML subtree.
type Element struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []Element  `xml:",any"`
}

func (e *Element) Attr(name string) (string, bool) {
	for _, attr := range e.Attrs {
		if attr.Name.Local == name {
			return attr.Value, true
		}
	}
	return "", false
}

// PlanIterator streams (person, plan) pairs without building the tables. A person without plans yields a
// single pair with a nil plan. Only the current person and plan are held in memory.
//
//	it := NewPlanIterator(r, nil)
//	for it.Next() {
//		person, plan := it.Person(), it.Plan()
//	}
//	err := it.Err()
type PlanIterator struct {
	dec    *xml.Decoder
	filter PlanFilter
	closer io.Closer

	open          *PersonElement
	openHasPlans  bool
	currentPerson *PersonElement
	currentPlan   *Element
	err           error
	done          bool
}

func NewPlanIterator(r io.Reader, opts *ParseOpts) *PlanIterator {
	if opts == nil {
		opts = &ParseOpts{}
	}
	return &PlanIterator{
		dec:    xml.NewDecoder(r),
		filter: PlanFilter{SelectedOnly: opts.SelectedPlansOnly},
	}
}

// OpenPlanIterator opens a possibly compressed plans file. The caller must Close the iterator.
func OpenPlanIterator(path string, opts *ParseOpts) (*PlanIterator, error) {
	input, err := openInput(path)
	if err != nil {
		return nil, err
	}
	it := NewPlanIterator(input, opts)
	it.closer = input
	return it, nil
}

func (it *PlanIterator) Next() bool {
	if it.done {
		return false
	}
	it.currentPerson = nil
	it.currentPlan = nil

	for {
		tok, err := it.dec.Token()
		if errors.Is(err, io.EOF) {
			if it.open != nil {
				it.fail("person", "not closed before end of input")
			}
			it.done = true
			return false
		} else if err != nil {
			var syntaxErr *xml.SyntaxError
			if errors.As(err, &syntaxErr) {
				it.fail("", syntaxErr.Msg)
			} else {
				it.err = err
			}
			it.done = true
			return false
		}

		switch tok := tok.(type) {
		case xml.StartElement:
			switch tok.Name.Local {
			case "person":
				if it.open != nil {
					return it.fail("person", "inside <person>")
				}
				id, ok := attrValue(tok, "id")
				if !ok {
					return it.fail("person", "missing id")
				}
				it.open = &PersonElement{ID: id, Attrs: tok.Copy().Attr}
				it.openHasPlans = false

			case "plan":
				if it.open == nil {
					return it.fail("plan", "outside of a person")
				}
				it.openHasPlans = true

				selected, _ := attrValue(tok, "selected")
				if !it.filter.Keep(selected) {
					if err := it.dec.Skip(); err != nil {
						return it.fail("plan", err.Error())
					}
					continue
				}

				var plan Element
				if err := it.dec.DecodeElement(&plan, &tok); err != nil {
					return it.fail("plan", err.Error())
				}
				it.currentPerson = it.open
				it.currentPlan = &plan
				return true

			case "attribute":
				// Attributes of the population itself are not part of any pair
				if it.open == nil {
					continue
				}
				name, ok := attrValue(tok, "name")
				if !ok {
					return it.fail("attribute", "missing name")
				}
				var body struct {
					Text string `xml:",chardata"`
				}
				if err := it.dec.DecodeElement(&body, &tok); err != nil {
					return it.fail("attribute", err.Error())
				}
				setAttr(&it.open.Attributes, name, body.Text)
			}

		case xml.EndElement:
			if tok.Name.Local != "person" || it.open == nil {
				continue
			}
			person := it.open
			hadPlans := it.openHasPlans
			it.open = nil
			if !hadPlans {
				it.currentPerson = person
				return true
			}
		}
	}
}

// Person returns the person of the current pair.
func (it *PlanIterator) Person() *PersonElement {
	return it.currentPerson
}

// Plan returns the plan of the current pair, or nil if the person has no plans.
func (it *PlanIterator) Plan() *Element {
	return it.currentPlan
}

func (it *PlanIterator) Err() error {
	return it.err
}

func (it *PlanIterator) Close() error {
	if it.closer == nil {
		return nil
	}
	return it.closer.Close()
}

func (it *PlanIterator) fail(element, reason string) bool {
	it.err = &MalformedInputError{Element: element, Offset: it.dec.InputOffset(), Reason: reason}
	it.done = true
	it.currentPerson = nil
	it.currentPlan = nil
	return false
}
