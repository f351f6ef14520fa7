package matsim2sqlite

import (
	"compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"os"
	"strings"
	"testing"
)

type iteratedPair struct {
	personID string
	selected string
	children []string
}

func collectPairs(t *testing.T, it *PlanIterator) []iteratedPair {
	t.Helper()

	var pairs []iteratedPair
	for it.Next() {
		person := it.Person()
		require.NotNil(t, person)

		pair := iteratedPair{personID: person.ID}
		if plan := it.Plan(); plan != nil {
			pair.selected, _ = plan.Attr("selected")
			for _, child := range plan.Children {
				pair.children = append(pair.children, child.XMLName.Local)
			}
		}
		pairs = append(pairs, pair)
	}
	require.NoError(t, it.Err())
	return pairs
}

func TestPlanIteratorSample(t *testing.T) {
	it, err := OpenPlanIterator("./sample_data/plans.xml", nil)
	require.NoError(t, err)
	defer func() { _ = it.Close() }()

	pairs := collectPairs(t, it)
	assert.Equal(t, []iteratedPair{
		{personID: "1", selected: "yes", children: []string{"activity", "leg", "activity", "leg", "activity"}},
		{personID: "1", selected: "no", children: []string{"activity", "leg", "activity"}},
		{personID: "2", selected: "yes", children: []string{"activity", "leg", "activity", "leg", "activity"}},
		{personID: "3"},
	}, pairs)
}

func TestPlanIteratorSelectedOnly(t *testing.T) {
	it, err := OpenPlanIterator("./sample_data/plans.xml", &ParseOpts{SelectedPlansOnly: true})
	require.NoError(t, err)
	defer func() { _ = it.Close() }()

	pairs := collectPairs(t, it)
	require.Len(t, pairs, 3)
	assert.Equal(t, "1", pairs[0].personID)
	assert.Equal(t, "yes", pairs[0].selected)
	assert.Equal(t, "2", pairs[1].personID)
	assert.Equal(t, iteratedPair{personID: "3"}, pairs[2])
}

func TestPlanIteratorPlanSubtree(t *testing.T) {
	it, err := OpenPlanIterator("./sample_data/plans.xml", nil)
	require.NoError(t, err)
	defer func() { _ = it.Close() }()

	require.True(t, it.Next())
	person := it.Person()
	assert.Equal(t, map[string]string{"age": "35"}, person.Attributes)

	plan := it.Plan()
	require.NotNil(t, plan)
	score, ok := plan.Attr("score")
	assert.True(t, ok)
	assert.Equal(t, "12.5", score)

	carLeg := plan.Children[1]
	mode, _ := carLeg.Attr("mode")
	assert.Equal(t, "car", mode)

	var route *Element
	for i := range carLeg.Children {
		if carLeg.Children[i].XMLName.Local == "route" {
			route = &carLeg.Children[i]
		}
	}
	require.NotNil(t, route)
	assert.Equal(t, "l1 l2", route.Text)
}

func TestPlanIteratorRestartsFromTheBeginning(t *testing.T) {
	src, err := os.ReadFile("./sample_data/plans.xml")
	require.NoError(t, err)

	first := collectPairs(t, NewPlanIterator(strings.NewReader(string(src)), nil))
	second := collectPairs(t, NewPlanIterator(strings.NewReader(string(src)), nil))
	assert.Equal(t, first, second)
}

func TestPlanIteratorCompressed(t *testing.T) {
	dir := testTempdir(t)
	path := dir + "/plans.xml.gz"
	writeCompressed(t, "./sample_data/plans.xml", path, func(w io.Writer) io.WriteCloser { return gzip.NewWriter(w) })

	it, err := OpenPlanIterator(path, nil)
	require.NoError(t, err)
	defer func() { _ = it.Close() }()

	assert.Len(t, collectPairs(t, it), 4)
}

func TestPlanIteratorMalformed(t *testing.T) {
	cases := map[string]string{
		"plan outside person": `<population><plan selected="yes"/></population>`,
		"nested person":       `<population><person id="1"><person id="2"/></person></population>`,
		"truncated":           `<population><person id="1"><plan selected="yes">`,
		"unclosed person":     `<population><person id="1">`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			it := NewPlanIterator(strings.NewReader(doc), nil)
			for it.Next() {
			}
			require.ErrorIs(t, it.Err(), ErrMalformedInput)
			assert.False(t, it.Next())
		})
	}
}
