package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shutter() *Vector {
	v := NewVector("Dome", "Shutter", "Shutter", PermReadWrite,
		SwitchElement("Open", "Open", SwitchOn),
		SwitchElement("Close", "Close", SwitchOff),
	)
	v.Rule = RuleOneOfMany
	return v
}

func focus() *Vector {
	return NewVector("Focuser", "Position", "Position", PermReadWrite,
		NumberElement("Steps", "Steps", "%.0f", 0, 1000, 1, 500),
		NumberElement("Free", "Free", "%.2f", 0, 0, 0, 0),
	)
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "rw", PermReadWrite.String())
	assert.Equal(t, "Alert", StateAlert.String())
	assert.Equal(t, "AtMostOne", RuleAtMostOne.String())
	assert.Equal(t, "BLOB", KindBlob.String())

	p, err := ParsePerm("WO")
	require.NoError(t, err)
	assert.Equal(t, PermWriteOnly, p)

	s, err := ParseState("busy")
	require.NoError(t, err)
	assert.Equal(t, StateBusy, s)

	_, err = ParseState("sleepy")
	assert.Error(t, err)

	r, err := ParseRule("anyOfMany")
	require.NoError(t, err)
	assert.Equal(t, RuleAnyOfMany, r)

	k, err := ParseKind("BLOB")
	require.NoError(t, err)
	assert.Equal(t, KindBlob, k)

	_, err = ParseKind("matrix")
	assert.Error(t, err)
	assert.False(t, StateBusy.Settled())
	assert.True(t, StateAlert.Settled())
}

func TestVectorValidate(t *testing.T) {
	require.NoError(t, shutter().Validate())

	tests := []struct {
		name   string
		mutate func(v *Vector)
	}{
		{"no device", func(v *Vector) { v.Device = "" }},
		{"no elements", func(v *Vector) { v.Elements = nil }},
		{"duplicate element", func(v *Vector) { v.Elements[1].Name = "Open" }},
		{"kind mismatch", func(v *Vector) { v.Elements[1].Value = Text("x") }},
		{"two on", func(v *Vector) { v.Elements[1].Value = SwitchOn }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v := shutter()
			tc.mutate(v)
			assert.ErrorIs(t, v.Validate(), ErrInvalidVector)
		})
	}

	light := NewVector("Rain", "Rain Alert", "", PermReadWrite, LightElement("Rain", "", StateIdle))
	assert.ErrorIs(t, light.Validate(), ErrInvalidVector)

	bad := NewVector("F", "P", "", PermReadWrite, NumberElement("N", "", "%g", 5, 1, 0, 0))
	assert.ErrorIs(t, bad.Validate(), ErrInvalidVector)
}

func TestCheckRequestRejectsMismatches(t *testing.T) {
	tests := []struct {
		name   string
		vector *Vector
		values []Element
		want   error
	}{
		{
			name:   "read-only",
			vector: NewVector("D", "Temp", "", PermReadOnly, NumberElement("T", "", "%g", 0, 0, 0, 20)),
			values: []Element{Set("T", Number{Value: 1})},
			want:   ErrReadOnlyVector,
		},
		{
			name:   "unknown element",
			vector: focus(),
			values: []Element{Set("Nope", Number{Value: 1})},
			want:   ErrUnknownElement,
		},
		{
			name:   "kind mismatch",
			vector: focus(),
			values: []Element{Set("Steps", Text("12"))},
			want:   ErrKindMismatch,
		},
		{
			name:   "out of range",
			vector: focus(),
			values: []Element{Set("Steps", Number{Value: 1001})},
			want:   ErrOutOfRange,
		},
		{
			name:   "one of many all off",
			vector: shutter(),
			values: []Element{Set("Open", SwitchOff)},
			want:   ErrSwitchRule,
		},
		{
			name:   "one of many two on",
			vector: shutter(),
			values: []Element{Set("Open", SwitchOn), Set("Close", SwitchOn)},
			want:   ErrSwitchRule,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			before := tc.vector.Clone()
			err := tc.vector.Apply(tc.values)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, errors.Is(err, ErrPropertyMismatch))
			assert.Equal(t, before.Elements, tc.vector.Elements, "rejected request must not be applied")
		})
	}
}

func TestApplyOneOfManyResetsOthers(t *testing.T) {
	v := shutter()
	require.NoError(t, v.Apply([]Element{Set("Close", SwitchOn)}))

	open, _ := v.Element("Open")
	closed, _ := v.Element("Close")
	assert.Equal(t, SwitchOff, open.Value)
	assert.Equal(t, SwitchOn, closed.Value)
	assert.Equal(t, StateIdle, v.State, "apply does not decide the state")
}

func TestApplyAtMostOneAllowsNone(t *testing.T) {
	v := shutter()
	v.Rule = RuleAtMostOne
	require.NoError(t, v.Apply([]Element{Set("Open", SwitchOff)}))

	for _, e := range v.Elements {
		assert.Equal(t, SwitchOff, e.Value)
	}
}

func TestApplyAnyOfMany(t *testing.T) {
	v := shutter()
	v.Rule = RuleAnyOfMany
	require.NoError(t, v.Apply([]Element{Set("Close", SwitchOn)}))

	for _, e := range v.Elements {
		assert.Equal(t, SwitchOn, e.Value)
	}
}

func TestApplyNumberKeepsMetadata(t *testing.T) {
	v := focus()
	require.NoError(t, v.Apply([]Element{Set("Steps", Number{Value: 42}), Set("Free", Number{Value: -7})}))

	e, _ := v.Element("Steps")
	n := e.Value.(Number)
	assert.Equal(t, 42.0, n.Value)
	assert.Equal(t, 1000.0, n.Max)
	assert.Equal(t, "42", n.String())

	e, _ = v.Element("Free")
	assert.Equal(t, -7.0, e.Value.(Number).Value, "unbounded numbers accept any value")
}

func TestUpdateAnyTransition(t *testing.T) {
	v := shutter()
	for _, s := range []State{StateAlert, StateBusy, StateBusy, StateIdle, StateOk, StateIdle} {
		require.NoError(t, v.Update(s, nil))
		assert.Equal(t, s, v.State)
	}

	// Drivers are trusted with ranges but not with names.
	f := focus()
	require.NoError(t, f.Update(StateOk, []Element{Set("Steps", Number{Value: 5000})}))
	assert.ErrorIs(t, f.Update(StateOk, []Element{Set("X", Number{})}), ErrUnknownElement)
}

func TestCloneIsIndependent(t *testing.T) {
	v := shutter()
	c := v.Clone()
	c.Elements[0].Value = SwitchOff
	c.State = StateAlert

	e, _ := v.Element("Open")
	assert.Equal(t, SwitchOn, e.Value)
	assert.Equal(t, StateIdle, v.State)
}

func TestDeviceLifecycle(t *testing.T) {
	d := NewDevice("Dome")
	require.NoError(t, d.Define(shutter()))

	park := NewVector("", "Park", "", PermReadWrite, SwitchElement("Park", "", SwitchOff))
	park.Rule = RuleAnyOfMany
	require.NoError(t, d.Define(park))

	assert.ErrorIs(t, d.Define(shutter()), ErrDuplicateVector)
	assert.ErrorIs(t, d.Define(focus()), ErrDeviceMismatch)
	assert.Equal(t, 2, d.Len())

	names := []string{}
	for _, v := range d.Vectors() {
		names = append(names, v.Name)
	}
	assert.Equal(t, []string{"Shutter", "Park"}, names)

	got, err := d.Apply("Shutter", []Element{Set("Close", SwitchOn)})
	require.NoError(t, err)
	e, _ := got.Element("Close")
	assert.Equal(t, SwitchOn, e.Value)

	got, err = d.Update("Shutter", StateBusy, nil)
	require.NoError(t, err)
	assert.Equal(t, StateBusy, got.State)

	// Mutating the returned copy leaves the device untouched.
	got.State = StateAlert
	stored, err := d.Vector("Shutter")
	require.NoError(t, err)
	assert.Equal(t, StateBusy, stored.State)

	require.NoError(t, d.Delete("Shutter"))
	assert.ErrorIs(t, d.Delete("Shutter"), ErrVectorNotFound)
	_, err = d.Vector("Shutter")
	assert.ErrorIs(t, err, ErrPropertyMismatch)
	assert.Equal(t, 1, d.Len())
}

func TestBlobInline(t *testing.T) {
	b := Blob{Data: []byte("hello"), Size: 5, Format: ".txt"}
	assert.False(t, b.Attached())
	assert.Equal(t, []byte("hello"), b.Bytes())

	v := NewVector("Cam", "CCD1", "", PermReadOnly, BlobElement("CCD1", "Image", ".fits"))
	require.NoError(t, v.Update(StateOk, []Element{Set("CCD1", Blob{Data: []byte{1, 2}, Size: 2})}))
	e, _ := v.Element("CCD1")
	assert.Equal(t, ".fits", e.Value.(Blob).Format, "format defaults to the definition's")
}
