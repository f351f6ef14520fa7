package matsim2sqlite

import (
	"compress/gzip"
	"encoding/xml"
	"errors"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"os"
	"strings"
	"testing"
)

func TestParseSample(t *testing.T) {
	plans, err := ParseFile("./sample_data/plans.xml", nil)
	require.NoError(t, err)
	assertConsistent(t, plans)

	require.Len(t, plans.Persons, 3)
	require.Len(t, plans.Plans, 3)
	require.Len(t, plans.Activities, 8)
	require.Len(t, plans.Legs, 5)
	require.Len(t, plans.Routes, 2)

	assert.Equal(t, map[string]string{"coordinateReferenceSystem": "EPSG:25832"}, plans.Attrs)

	assert.Equal(t, Person{ID: "1", Attrs: map[string]string{"age": "35"}}, plans.Persons[0])
	assert.Equal(t, Person{ID: "2"}, plans.Persons[1])
	assert.Equal(t, Person{ID: "3", Attrs: map[string]string{"subpopulation": "freight"}}, plans.Persons[2])

	assert.Equal(t, Plan{ID: 1, PersonID: "1", Selected: "yes", Attrs: map[string]string{"score": "12.5"}}, plans.Plans[0])
	assert.Equal(t, Plan{ID: 2, PersonID: "1", Selected: "no", Attrs: map[string]string{"score": "8.25"}}, plans.Plans[1])
	assert.Equal(t, Plan{ID: 3, PersonID: "2", Selected: "yes", Attrs: map[string]string{"score": "3.0"}}, plans.Plans[2])

	home := plans.Activities[0]
	assert.Equal(t, int64(1), home.ID)
	assert.Equal(t, int64(1), home.PlanID)
	assert.Equal(t, "home", home.Type)
	assert.Equal(t, "f1", home.Facility)
	assert.Equal(t, "l1", home.Link)
	assert.Equal(t, "", home.StartTime)
	assert.Equal(t, "08:00:00", home.EndTime)
	require.NotNil(t, home.X)
	require.NotNil(t, home.Y)
	assert.Equal(t, 10.0, *home.X)
	assert.Equal(t, 20.0, *home.Y)
	assert.Nil(t, home.Attrs)

	car := plans.Legs[0]
	assert.Equal(t, Leg{
		ID:     1,
		PlanID: 1,
		Mode:   "car",
		Attrs:  map[string]string{"dep_time": "08:00:00", "trav_time": "00:20:00", "routingMode": "car"},
	}, car)

	assert.Equal(t, Route{
		ID:    1,
		LegID: 1,
		Value: "l1 l2",
		Attrs: map[string]string{
			"type": "links", "start_link": "l1", "end_link": "l2", "trav_time": "00:20:00",
			"distance": "1000.0", "vehicleRefId": "1",
		},
	}, plans.Routes[0])
	assert.Equal(t, int64(3), plans.Routes[1].LegID)
	assert.Equal(t, "", plans.Routes[1].Value)
}

func TestParseSurrogateIDsAreSequential(t *testing.T) {
	plans, err := ParseFile("./sample_data/plans.xml", nil)
	require.NoError(t, err)

	for i, plan := range plans.Plans {
		assert.Equal(t, int64(i+1), plan.ID)
	}
	for i, a := range plans.Activities {
		assert.Equal(t, int64(i+1), a.ID)
	}
	for i, leg := range plans.Legs {
		assert.Equal(t, int64(i+1), leg.ID)
	}
	for i, route := range plans.Routes {
		assert.Equal(t, int64(i+1), route.ID)
	}
}

func TestParseCallsDoNotShareCounters(t *testing.T) {
	first, err := ParseFile("./sample_data/plans.xml", nil)
	require.NoError(t, err)
	second, err := ParseFile("./sample_data/plans.xml", nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestParsePersonWithoutPlans(t *testing.T) {
	plans, err := parseString(`<population><person id="a"/><person id="b"></person></population>`, nil)
	require.NoError(t, err)
	require.Len(t, plans.Persons, 2)
	assert.Equal(t, "a", plans.Persons[0].ID)
	assert.Equal(t, "b", plans.Persons[1].ID)
	assert.Empty(t, plans.Plans)
}

func TestParseSelectedPlansOnly(t *testing.T) {
	all, err := ParseFile("./sample_data/plans.xml", nil)
	require.NoError(t, err)
	selected, err := ParseFile("./sample_data/plans.xml", &ParseOpts{SelectedPlansOnly: true})
	require.NoError(t, err)
	assertConsistent(t, selected)

	require.Len(t, selected.Persons, 3)
	require.Len(t, selected.Plans, 2)
	require.Len(t, selected.Activities, 6)
	require.Len(t, selected.Legs, 4)
	require.Len(t, selected.Routes, 1)

	// Unselected plans take no id
	assert.Equal(t, int64(1), selected.Plans[0].ID)
	assert.Equal(t, int64(2), selected.Plans[1].ID)

	// Same rows as dropping the unselected plans and their descendants from the unfiltered result
	expected := dropUnselected(all)
	assert.Equal(t, stripIDs(expected), stripIDs(selected))
}

func TestParseAttributesAreSparse(t *testing.T) {
	doc := `<population>
	<person id="1">
		<plan selected="yes">
			<activity type="home" x="1" y="2" end_time="07:00:00">
				<attributes><attribute name="purpose" class="java.lang.String">sleep</attribute></attributes>
			</activity>
			<activity type="work" x="3" y="4" max_dur="01:00:00"/>
		</plan>
	</person>
</population>`
	plans, err := parseString(doc, nil)
	require.NoError(t, err)
	require.Len(t, plans.Activities, 2)
	assert.Equal(t, map[string]string{"purpose": "sleep"}, plans.Activities[0].Attrs)
	assert.Equal(t, map[string]string{"max_dur": "01:00:00"}, plans.Activities[1].Attrs)

	_, ok := plans.Activities[1].Attrs["purpose"]
	assert.False(t, ok)
}

func TestParseDuplicateAttributeLastWins(t *testing.T) {
	doc := `<population><person id="1">
	<attributes>
		<attribute name="age">30</attribute>
		<attribute name="age">31</attribute>
	</attributes>
</person></population>`
	plans, err := parseString(doc, nil)
	require.NoError(t, err)
	assert.Equal(t, "31", plans.Persons[0].Attrs["age"])
}

func TestParseReservedAttributeNames(t *testing.T) {
	doc := `<population><person id="1"><plan selected="yes">
	<activity type="home" id="a1" plan_id="p"/>
	<leg mode="car"><route type="links" value="v" leg_id="l">l1</route></leg>
	<activity type="work"><attributes><attribute name="type">office</attribute></attributes></activity>
</plan></person></population>`
	plans, err := parseString(doc, nil)
	require.NoError(t, err)
	assertConsistent(t, plans)

	assert.Equal(t, int64(1), plans.Activities[0].ID)
	assert.Equal(t, map[string]string{"source_id": "a1", "source_plan_id": "p"}, plans.Activities[0].Attrs)
	assert.Equal(t, "l1", plans.Routes[0].Value)
	assert.Equal(t, map[string]string{"type": "links", "source_value": "v", "source_leg_id": "l"}, plans.Routes[0].Attrs)
	assert.Equal(t, "office", plans.Activities[1].Type)
}

func TestParseColumnNamesInOtherCase(t *testing.T) {
	doc := `<population><person id="1">
	<attributes><attribute name="ID">x</attribute></attributes>
	<plan selected="yes" Selected="no">
		<activity type="home" Type="house" X="5"/>
		<leg mode="car" Mode="bus"/>
	</plan>
</person></population>`
	plans, err := parseString(doc, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"source_ID": "x"}, plans.Persons[0].Attrs)
	assert.Equal(t, "yes", plans.Plans[0].Selected)
	assert.Equal(t, map[string]string{"source_Selected": "no"}, plans.Plans[0].Attrs)
	assert.Equal(t, "home", plans.Activities[0].Type)
	assert.Nil(t, plans.Activities[0].X)
	assert.Equal(t, map[string]string{"source_Type": "house", "source_X": "5"}, plans.Activities[0].Attrs)
	assert.Equal(t, "car", plans.Legs[0].Mode)
	assert.Equal(t, map[string]string{"source_Mode": "bus"}, plans.Legs[0].Attrs)
}

func TestParseRouteTextAroundAttributes(t *testing.T) {
	doc := `<population><person id="1"><plan selected="yes"><leg mode="car">` +
		`<route type="links">l1 l2<attributes><attribute name="k">v</attribute></attributes> l3</route>` +
		`</leg></plan></person></population>`
	plans, err := parseString(doc, nil)
	require.NoError(t, err)
	require.Len(t, plans.Routes, 1)
	assert.Equal(t, "l1 l2 l3", plans.Routes[0].Value)
	assert.Equal(t, map[string]string{"type": "links", "k": "v"}, plans.Routes[0].Attrs)
}

func TestParseFromAnyTokenSource(t *testing.T) {
	src, err := os.ReadFile("./sample_data/plans.xml")
	require.NoError(t, err)
	opts := &ParseOpts{SelectedPlansOnly: true}

	expected, err := Parse(strings.NewReader(string(src)), opts)
	require.NoError(t, err)

	red := &reducer{
		src:    recordTokens(t, string(src)),
		store:  NewStore(),
		filter: PlanFilter{SelectedOnly: opts.SelectedPlansOnly},
	}
	require.NoError(t, red.run())
	assert.Equal(t, expected, red.store.Plans())
}

func TestParseLegacyActElement(t *testing.T) {
	doc := `<plans><person id="1" sex="f"><plan selected="yes">
	<act type="h" x="1.5" y="-2" link="1" end_time="06:00"/>
	<leg mode="car"><route>1 2 3</route></leg>
	<act type="w" x="10" y="20" link="3"/>
</plan></person></plans>`
	plans, err := parseString(doc, nil)
	require.NoError(t, err)
	require.Len(t, plans.Activities, 2)
	assert.Equal(t, map[string]string{"sex": "f"}, plans.Persons[0].Attrs)
	assert.Equal(t, -2.0, *plans.Activities[0].Y)
	assert.Equal(t, "1 2 3", plans.Routes[0].Value)
}

func TestParseMalformed(t *testing.T) {
	cases := map[string]string{
		"route outside leg":       `<population><person id="1"><plan><route/></plan></person></population>`,
		"leg outside plan":        `<population><person id="1"><leg mode="car"/></person></population>`,
		"activity outside plan":   `<population><activity type="h"/></population>`,
		"attribute outside":       `<population><attribute name="a">1</attribute></population>`,
		"attribute without name":  `<population><person id="1"><attribute>1</attribute></person></population>`,
		"plan outside person":     `<population><plan selected="yes"/></population>`,
		"nested person":           `<population><person id="1"><person id="2"/></person></population>`,
		"person without id":       `<population><person><plan/></person></population>`,
		"invalid coordinate":      `<population><person id="1"><plan><activity type="h" x="abc"/></plan></person></population>`,
		"truncated":               `<population><person id="1"><plan selected="yes">`,
		"mismatched closing tag":  `<population><person id="1"></plan></population>`,
		"activity inside a route": `<population><person id="1"><plan><leg><route><activity/></route></leg></plan></person></population>`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			plans, err := parseString(doc, nil)
			require.ErrorIs(t, err, ErrMalformedInput)
			assert.Nil(t, plans)

			var malformed *MalformedInputError
			require.ErrorAs(t, err, &malformed)
		})
	}
}

func TestParseFileWrapsPath(t *testing.T) {
	dir := testTempdir(t)
	path := dir + "/bad.xml"
	require.NoError(t, os.WriteFile(path, []byte(`<population><leg/></population>`), 0o644))

	_, err := ParseFile(path, nil)
	require.ErrorIs(t, err, ErrMalformedInput)
	assert.Contains(t, err.Error(), path)
}

func TestParseCompressed(t *testing.T) {
	expected, err := ParseFile("./sample_data/plans.xml", nil)
	require.NoError(t, err)

	dir := testTempdir(t)
	gzPath := dir + "/plans.xml.gz"
	writeCompressed(t, "./sample_data/plans.xml", gzPath, func(w io.Writer) io.WriteCloser { return gzip.NewWriter(w) })
	lz4Path := dir + "/plans.xml.lz4"
	writeCompressed(t, "./sample_data/plans.xml", lz4Path, func(w io.Writer) io.WriteCloser { return lz4.NewWriter(w) })

	for _, path := range []string{gzPath, lz4Path} {
		got, err := ParseFile(path, nil)
		require.NoError(t, err, path)
		assert.Equal(t, expected, got, path)
	}
}

func TestPlanFilter(t *testing.T) {
	assert.True(t, PlanFilter{}.Keep("no"))
	assert.True(t, PlanFilter{SelectedOnly: true}.Keep("yes"))
	assert.True(t, PlanFilter{SelectedOnly: true}.Keep(""))
	assert.False(t, PlanFilter{SelectedOnly: true}.Keep("no"))
}

// recordedTokens replays tokens read ahead of time.
type recordedTokens struct {
	tokens []xml.Token
	next   int
}

func recordTokens(t *testing.T, doc string) *recordedTokens {
	t.Helper()

	dec := xml.NewDecoder(strings.NewReader(doc))
	rec := &recordedTokens{}
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		rec.tokens = append(rec.tokens, xml.CopyToken(tok))
	}
	return rec
}

func (r *recordedTokens) Token() (xml.Token, error) {
	if r.next >= len(r.tokens) {
		return nil, io.EOF
	}
	tok := r.tokens[r.next]
	r.next++
	return tok, nil
}

func (r *recordedTokens) Skip() error {
	depth := 0
	for {
		tok, err := r.Token()
		if err != nil {
			return err
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			if depth == 0 {
				return nil
			}
			depth--
		}
	}
}

func (r *recordedTokens) InputOffset() int64 {
	return int64(r.next)
}

func parseString(doc string, opts *ParseOpts) (*Plans, error) {
	return Parse(strings.NewReader(doc), opts)
}

func writeCompressed(t *testing.T, srcPath, path string, newWriter func(w io.Writer) io.WriteCloser) {
	t.Helper()

	src, err := os.ReadFile(srcPath)
	require.NoError(t, err)

	f, err := os.Create(path)
	require.NoError(t, err)
	w := newWriter(f)
	_, err = w.Write(src)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

// assertConsistent checks that every foreign key refers to a row of the same result.
func assertConsistent(t *testing.T, plans *Plans) {
	t.Helper()

	persons := make(map[string]bool)
	for _, person := range plans.Persons {
		persons[person.ID] = true
	}
	planIDs := make(map[int64]bool)
	for _, plan := range plans.Plans {
		assert.True(t, persons[plan.PersonID], "plan %d refers to missing person %s", plan.ID, plan.PersonID)
		planIDs[plan.ID] = true
	}
	for _, a := range plans.Activities {
		assert.True(t, planIDs[a.PlanID], "activity %d refers to missing plan %d", a.ID, a.PlanID)
	}
	legIDs := make(map[int64]bool)
	for _, leg := range plans.Legs {
		assert.True(t, planIDs[leg.PlanID], "leg %d refers to missing plan %d", leg.ID, leg.PlanID)
		legIDs[leg.ID] = true
	}
	for _, route := range plans.Routes {
		assert.True(t, legIDs[route.LegID], "route %d refers to missing leg %d", route.ID, route.LegID)
	}
}

func dropUnselected(plans *Plans) *Plans {
	out := &Plans{Persons: plans.Persons, Attrs: plans.Attrs}
	kept := make(map[int64]bool)
	for _, plan := range plans.Plans {
		if plan.Selected != "no" {
			kept[plan.ID] = true
			out.Plans = append(out.Plans, plan)
		}
	}
	for _, a := range plans.Activities {
		if kept[a.PlanID] {
			out.Activities = append(out.Activities, a)
		}
	}
	keptLegs := make(map[int64]bool)
	for _, leg := range plans.Legs {
		if kept[leg.PlanID] {
			keptLegs[leg.ID] = true
			out.Legs = append(out.Legs, leg)
		}
	}
	for _, route := range plans.Routes {
		if keptLegs[route.LegID] {
			out.Routes = append(out.Routes, route)
		}
	}
	return out
}

// stripIDs zeroes surrogate keys so results with different id sequences can be compared by content.
func stripIDs(plans *Plans) *Plans {
	out := &Plans{Persons: plans.Persons, Attrs: plans.Attrs}
	for _, plan := range plans.Plans {
		plan.ID = 0
		out.Plans = append(out.Plans, plan)
	}
	for _, a := range plans.Activities {
		a.ID, a.PlanID = 0, 0
		out.Activities = append(out.Activities, a)
	}
	for _, leg := range plans.Legs {
		leg.ID, leg.PlanID = 0, 0
		out.Legs = append(out.Legs, leg)
	}
	for _, route := range plans.Routes {
		route.ID, route.LegID = 0, 0
		out.Routes = append(out.Routes, route)
	}
	return out
}
