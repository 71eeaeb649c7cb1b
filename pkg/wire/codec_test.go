package wire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propbus/propbus-go/pkg/model"
	"github.com/propbus/propbus-go/pkg/shm"
)

func domeShutter() *model.Vector {
	v := model.NewVector("Dome", "Shutter", "Shutter", model.PermReadWrite,
		model.SwitchElement("Open", "Open", model.SwitchOff),
		model.SwitchElement("Close", "Close", model.SwitchOn),
	)
	v.Group = "Main"
	v.Timeout = 60
	return v
}

func TestMessageRoundTrip(t *testing.T) {
	on := true
	text := "clouds"
	tests := []struct {
		name string
		msg  Message
	}{
		{"define", &Define{Vector: FromVector(domeShutter(), nil)}},
		{"update", &Update{Device: "Dome", Name: "Shutter", State: uint8(model.StateBusy),
			Elements: []Element{{Name: "Close", Switch: &on}}, Timestamp: 1700000000000000000}},
		{"delete device", &Delete{Device: "Dome"}},
		{"request", &Request{ID: 7, Device: "Dome", Name: "Shutter", Elements: []Element{{Name: "Open", Switch: &on}}}},
		{"watch", &Watch{Device: "Rain", Name: "Rain Alert", Policy: 1}},
		{"get properties", &GetProperties{}},
		{"message", &DeviceMessage{Device: "Weather", Text: text}},
		{"error", &Error{RequestID: 7, Code: ErrorCodePropertyMismatch, Device: "Dome", Name: "Shutter", Message: "read-only"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(tc.msg)
			require.NoError(t, err)

			typ, err := PeekMessageType(data)
			require.NoError(t, err)
			assert.Equal(t, tc.msg.Type(), typ)

			decoded, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tc.msg, decoded)
		})
	}
}

func TestEncodeRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"define without elements", &Define{Vector: Vector{Device: "D", Name: "V"}}},
		{"update without name", &Update{Device: "D"}},
		{"request without values", &Request{Device: "D", Name: "V"}},
		{"element with two values", &Request{Device: "D", Name: "V", Elements: []Element{
			{Name: "x", Text: new(string), Switch: new(bool)},
		}}},
		{"delete without device", &Delete{}},
		{"watch with bad policy", &Watch{Device: "D", Policy: 9}},
		{"watch vector without device", &Watch{Name: "V"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Encode(tc.msg)
			assert.Error(t, err)
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	data, err := Marshal(map[int]any{1: 99})
	require.NoError(t, err)

	_, err = Decode(data)
	assert.True(t, errors.Is(err, ErrUnknownMessage))

	_, err = Decode([]byte{0xff, 0x00})
	assert.Error(t, err)
}

func TestVectorConversion(t *testing.T) {
	v := model.NewVector("Focuser", "Position", "Position", model.PermReadWrite,
		model.NumberElement("Steps", "Steps", "%.0f", 0, 1000, 10, 500),
	)
	v.State = model.StateOk

	back, err := ToVector(FromVector(v, nil), nil)
	require.NoError(t, err)
	assert.Equal(t, v.Key(), back.Key())
	assert.Equal(t, v.Kind, back.Kind)
	assert.Equal(t, v.State, back.State)
	assert.Equal(t, v.Elements, back.Elements)
	assert.Equal(t, v.Timestamp.UnixNano(), back.Timestamp.UnixNano())
	require.NoError(t, back.Validate())

	light := model.NewVector("Rain", "Rain Alert", "", model.PermReadOnly,
		model.LightElement("Rain", "Rain", model.StateAlert))
	back, err = ToVector(FromVector(light, nil), nil)
	require.NoError(t, err)
	assert.Equal(t, model.Light(model.StateAlert), back.Elements[0].Value)
}

func TestInlineBlob(t *testing.T) {
	elems := FromElements([]model.Element{
		model.Set("Frame", model.Blob{Data: []byte("pixels"), Format: ".raw"}),
	}, &Attachments{})

	require.Len(t, elems, 1)
	require.NotNil(t, elems[0].Blob)
	assert.Nil(t, elems[0].Blob.FD)
	assert.Equal(t, 6, elems[0].Blob.Size)

	back, err := ToElements(elems, nil)
	require.NoError(t, err)
	b := back[0].Value.(model.Blob)
	assert.False(t, b.Attached())
	assert.Equal(t, []byte("pixels"), b.Bytes())
}

func TestAttachedBlobRequiresResolver(t *testing.T) {
	idx := 0
	elems := []Element{{Name: "CCD1", Blob: &Blob{FD: &idx, Size: 10}}}

	_, err := ToElements(elems, nil)
	assert.ErrorIs(t, err, ErrBadDescriptor)

	wantErr := errors.New("no such descriptor")
	_, err = ToElements(elems, func(index, size int) (*shm.ImmutableSegment, error) {
		assert.Equal(t, 0, index)
		assert.Equal(t, 10, size)
		return nil, wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestClone(t *testing.T) {
	orig := &Watch{MsgType: MessageTypeWatch, Device: "Rain", Name: "Rain Alert"}
	cloned, err := Clone(orig)
	require.NoError(t, err)
	assert.Equal(t, orig, cloned)
	assert.NotSame(t, orig, cloned)
}

func TestEqual(t *testing.T) {
	a := &Delete{Device: "D", Name: "V"}
	b := &Delete{Device: "D", Name: "V"}
	c := &Delete{Device: "D"}
	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
}
