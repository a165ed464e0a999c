package can

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-usbcan-gateway/internal/canhw"
	"github.com/kstaniek/go-usbcan-gateway/internal/wire"
)

func TestFrameElementRoundTrip(t *testing.T) {
	cases := []Frame{
		{CANID: 0x123, Len: 8, Data: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{CANID: 0x1ABCDEF0 | CAN_EFF_FLAG, Len: 3, Data: [8]byte{9, 9, 9}},
		{CANID: 0x7FF | CAN_RTR_FLAG},
	}
	for _, fr := range cases {
		e := ToElement(fr)
		require.Equal(t, fr, FromElement(e), "frame %#x", fr.CANID)
	}
}

func TestElementMatchesWireDecode(t *testing.T) {
	fr := Frame{CANID: 0x123, Len: 2, Data: [8]byte{0xAA, 0xBB}}
	rec := canhw.DecodeRx(ToElement(fr))
	require.Equal(t, wire.CANRecord{ID: 0x123, Len: 2, Data: [8]byte{0xAA, 0xBB}}, rec)
}

func TestFilterForKeepsKindsDisjoint(t *testing.T) {
	std := FilterFor(canhw.Filter{})
	ext := FilterFor(canhw.Filter{Extended: true})
	require.Equal(t, Filter{ID: 0, Mask: CAN_EFF_FLAG}, std)
	require.Equal(t, Filter{ID: CAN_EFF_FLAG, Mask: CAN_EFF_FLAG}, ext)

	pass := func(f Filter, id uint32) bool { return id&f.Mask == f.ID&f.Mask }
	require.True(t, pass(std, 0x123))
	require.False(t, pass(std, 0x123|CAN_EFF_FLAG))
	require.True(t, pass(ext, 0x123|CAN_EFF_FLAG))
	require.False(t, pass(ext, 0x123))
}
