package label_test

import (
	"testing"

	"github.com/hiomesh/ipmb-go/pkg/label"
	"github.com/stretchr/testify/assert"
)

func TestLabelInsertDedupesAndPreservesOrder(t *testing.T) {
	var l label.Label
	l.Insert("solar")
	l.Insert("earth")
	l.Insert("moon")
	l.Insert("earth")

	assert.Equal(t, []string{"solar", "earth", "moon"}, l.Iter())
}

func TestLabelRemove(t *testing.T) {
	l := label.New("solar", "earth", "moon")
	l.Remove("moon")

	assert.True(t, l.All([]string{"solar", "earth"}))
	assert.False(t, l.All([]string{"moon"}))
}

func TestLabelEqualIsSetEquality(t *testing.T) {
	a := label.New("x", "a")
	b := label.New("a", "x")
	assert.True(t, a.Equal(b))
}

func TestOpTrueFalse(t *testing.T) {
	l := label.New("foo")
	assert.True(t, label.True().Validate(l))
	assert.False(t, label.False().Validate(l))
}

func TestOpLeaf(t *testing.T) {
	l := label.New("foo")
	assert.True(t, label.Leaf("foo").Validate(l))
	assert.False(t, label.Leaf("bar").Validate(l))
}

func TestOpNot(t *testing.T) {
	op := label.Not(label.Leaf("foo"))
	assert.True(t, op.Validate(label.New("bar", "baz")))
	assert.False(t, op.Validate(label.New("foo")))
}

func TestOpAnd(t *testing.T) {
	l := label.New("foo", "bar", "baz")
	op := label.And(label.Leaf("foo"), label.Leaf("bar"))
	assert.True(t, op.Validate(l))
	assert.False(t, label.And(label.Leaf("foo"), label.Leaf("nope")).Validate(l))
}

func TestOpOr(t *testing.T) {
	op := label.Or(label.Leaf("foo"), label.Leaf("bar"))
	assert.True(t, op.Validate(label.New("foo")))
	assert.True(t, op.Validate(label.New("bar")))
	assert.False(t, op.Validate(label.New("baz")))
}

func TestTagRoundTrip(t *testing.T) {
	op := label.And(label.Leaf("a"), label.Or(label.Not(label.Leaf("b")), label.True()))

	var rebuild func(op label.LabelOp) label.LabelOp
	rebuild = func(op label.LabelOp) label.LabelOp {
		tag, leafTag, children := label.Tag(op)
		rebuilt := make([]label.LabelOp, len(children))
		for i, c := range children {
			rebuilt[i] = rebuild(c)
		}
		return label.FromTag(tag, leafTag, rebuilt)
	}

	got := rebuild(op)
	l := label.New("a")
	assert.Equal(t, op.Validate(l), got.Validate(l))
}
