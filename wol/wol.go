// Package wol builds and sends Wake-on-LAN magic packets.
package wol

import (
	"fmt"
	"net"
)

// Defaults for the broadcast target.
const (
	DefaultBroadcastAddr = "255.255.255.255"
	DefaultPort          = 9
)

// MagicPacket returns the 102-byte payload for a MAC address: six 0xFF
// bytes followed by the MAC repeated sixteen times.
func MagicPacket(mac string) ([]byte, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return nil, err
	}
	if len(hw) != 6 {
		return nil, fmt.Errorf("wol: expected 6-byte MAC, got %d bytes", len(hw))
	}
	packet := make([]byte, 0, 102)
	for i := 0; i < 6; i++ {
		packet = append(packet, 0xFF)
	}
	for i := 0; i < 16; i++ {
		packet = append(packet, hw...)
	}
	return packet, nil
}

// Send broadcasts a magic packet for mac to addr:port over UDP. Empty addr
// and zero port fall back to the defaults.
func Send(mac, addr string, port int) error {
	packet, err := MagicPacket(mac)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = DefaultBroadcastAddr
	}
	if port <= 0 {
		port = DefaultPort
	}
	conn, err := net.Dial("udp", net.JoinHostPort(addr, fmt.Sprintf("%d", port)))
	if err != nil {
		return fmt.Errorf("wol: dial: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Write(packet); err != nil {
		return fmt.Errorf("wol: send: %w", err)
	}
	return nil
}
