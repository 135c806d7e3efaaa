package wol

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMagicPacketLayout(t *testing.T) {
	packet, err := MagicPacket("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	require.Len(t, packet, 102)

	require.Equal(t, bytes.Repeat([]byte{0xFF}, 6), packet[:6], "sync stream")
	mac := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	for i := 0; i < 16; i++ {
		off := 6 + i*6
		require.Equal(t, mac, packet[off:off+6], "MAC repetition %d", i)
	}
}

func TestMagicPacketAcceptsCommonFormats(t *testing.T) {
	for _, mac := range []string{"aa:bb:cc:dd:ee:ff", "AA-BB-CC-DD-EE-FF", "aabb.ccdd.eeff"} {
		packet, err := MagicPacket(mac)
		require.NoError(t, err, mac)
		require.Len(t, packet, 102, mac)
	}
}

func TestMagicPacketRejectsInvalid(t *testing.T) {
	for _, mac := range []string{"", "nonsense", "AA:BB:CC:DD:EE", "AA:BB:CC:DD:EE:FF:00:11"} {
		_, err := MagicPacket(mac)
		require.Error(t, err, mac)
	}
}

func TestSendDeliversPacket(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	addr := pc.LocalAddr().(*net.UDPAddr)
	require.NoError(t, Send("AA:BB:CC:DD:EE:FF", "127.0.0.1", addr.Port))

	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 256)
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	require.Equal(t, 102, n)

	want, err := MagicPacket("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	require.Equal(t, want, buf[:n])
}

func TestSendRejectsBadMAC(t *testing.T) {
	require.Error(t, Send("not-a-mac", "127.0.0.1", 9))
}
