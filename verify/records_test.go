package verify

import (
	"testing"

	"go.viam.com/test"
)

func TestRecords(t *testing.T) {
	r := &Records{}
	test.That(t, r.Len(), test.ShouldEqual, 0)
	test.That(t, r.IsClosed(1, 2), test.ShouldBeFalse)

	r.Add(1, 2)
	r.Add(3, 1)

	test.That(t, r.Len(), test.ShouldEqual, 2)
	test.That(t, r.IsClosed(1, 2), test.ShouldBeTrue)
	test.That(t, r.IsClosed(2, 1), test.ShouldBeTrue)
	test.That(t, r.IsClosed(1, 3), test.ShouldBeTrue)
	test.That(t, r.IsClosed(2, 3), test.ShouldBeFalse)

	test.That(t, r.PartnersOf(1), test.ShouldResemble, []int{2, 3})
	test.That(t, r.PartnersOf(2), test.ShouldResemble, []int{1})
	test.That(t, r.PartnersOf(4), test.ShouldBeNil)
}
