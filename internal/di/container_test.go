package di

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct{ name string }

func TestRegisterAndResolve(t *testing.T) {
	c := NewContainer()
	c.Register("widget", &widget{name: "a"})
	c.Register("count", 3)

	w, err := Resolve[*widget](c, "widget")
	require.NoError(t, err)
	assert.Equal(t, "a", w.name)

	_, err = Resolve[*widget](c, "count")
	assert.ErrorContains(t, err, "has type int")

	_, err = Resolve[*widget](c, "missing")
	assert.ErrorContains(t, err, "not registered")

	assert.Panics(t, func() { MustResolve[string](c, "widget") })
}

func TestRegistrationOrder(t *testing.T) {
	c := NewContainer()
	c.Register("b", 1)
	c.Register("a", 2)
	c.Register("c", 3)
	c.Register("b", 4)

	assert.Equal(t, []string{"b", "a", "c"}, c.RegistrationOrder())
	assert.Equal(t, []string{"a", "b", "c"}, c.GetNames())
	assert.Equal(t, 4, c.Get("b"))

	c.Remove("a")
	assert.False(t, c.Has("a"))
	assert.Equal(t, []string{"b", "c"}, c.RegistrationOrder())

	c.Clear()
	assert.Empty(t, c.GetNames())
	assert.Nil(t, c.Get("b"))
}

func TestGetContainerIsShared(t *testing.T) {
	assert.Same(t, GetContainer(), GetContainer())
}
