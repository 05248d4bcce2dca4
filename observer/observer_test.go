package observer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscribeNotifyDispose(t *testing.T) {
	o := New[int](nil)

	var a, b []int
	disposeA := o.Subscribe(func(v int) { a = append(a, v) })
	o.Subscribe(func(v int) { b = append(b, v) })

	o.Notify(1)
	disposeA()
	disposeA() // idempotent
	o.Notify(2)

	assert.Equal(t, []int{1}, a)
	assert.Equal(t, []int{1, 2}, b)
	assert.Equal(t, 1, o.Len())
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	o := New[string](nil)

	var got []string
	o.Subscribe(func(string) { panic("boom") })
	o.Subscribe(func(v string) { got = append(got, v) })

	o.Notify("x")
	o.Notify("y")

	assert.Equal(t, []string{"x", "y"}, got)
}
