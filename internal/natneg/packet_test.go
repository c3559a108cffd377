package natneg

import "testing"

func TestIsNatNeg(t *testing.T) {
	good := []byte{0xFD, 0xFC, 0x1E, 0x66, 0x6A, 0xB2, 0x02, 0x00}
	if !IsNatNeg(good) {
		t.Fatalf("expected magic-prefixed buffer to be NatNeg")
	}

	bad := append([]byte(nil), good...)
	bad[0] = 0x00
	if IsNatNeg(bad) {
		t.Fatalf("expected altered magic byte to fail IsNatNeg")
	}
}

func TestGetStepInit(t *testing.T) {
	buf := []byte{0xFD, 0xFC, 0x1E, 0x66, 0x6A, 0xB2, 0x02, 0x00}
	step, err := GetStep(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if step != StepInit {
		t.Fatalf("expected StepInit, got %v", step)
	}
}

func TestSessionKeyForInit(t *testing.T) {
	// magic(6) | version(1)=02 | step(1)=00 | NatNegID(4)=11 22 33 44 |
	// one pad byte at offset 12 | playerID at offset 13 = 05 | two pad bytes
	buf := []byte{
		0xFD, 0xFC, 0x1E, 0x66, 0x6A, 0xB2,
		0x02, 0x00,
		0x11, 0x22, 0x33, 0x44,
		0x00, 0x05, 0x00, 0x00,
	}

	step, err := GetStep(buf)
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}

	key, ok, err := GetSessionKey(buf, step)
	if err != nil {
		t.Fatalf("GetSessionKey: %v", err)
	}
	if !ok {
		t.Fatalf("expected a session key for an init packet")
	}

	const wantID = 0x44332211
	if key.NatNegID != wantID {
		t.Fatalf("NatNegID = %#x, want %#x (raw little-endian copy of 11 22 33 44)", key.NatNegID, wantID)
	}
	if key.PlayerID != 5 {
		t.Fatalf("PlayerID = %d, want 5", key.PlayerID)
	}
}

func TestConnectHasNoSessionKey(t *testing.T) {
	buf := make([]byte, 24)
	copy(buf, natNegMagic[:])
	buf[6] = 0x02
	buf[7] = byte(StepConnect)

	_, ok, err := GetSessionKey(buf, StepConnect)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("connect packets should carry no session key")
	}
}

func TestAddressRewriteRoundTrip(t *testing.T) {
	buf := make([]byte, 24)
	copy(buf, natNegMagic[:])
	buf[6] = 0x02
	buf[7] = byte(StepConnect)
	copy(buf[8:12], []byte{0xAA, 0xBB, 0xCC, 0xDD})
	copy(buf[12:16], []byte{0xC0, 0xA8, 0x01, 0x0A})
	buf[16] = 0x1A
	buf[17] = 0x0A

	offset, ok := AddressOffset(StepConnect)
	if !ok {
		t.Fatalf("expected connect to carry an address offset")
	}

	ip, port, err := ParseAddress(buf, offset)
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if ip != [4]byte{192, 168, 1, 10} {
		t.Fatalf("ip = %v, want 192.168.1.10", ip)
	}
	if port != 6666 {
		t.Fatalf("port = %d, want 6666", port)
	}

	if err := RewriteAddress(buf, offset, [4]byte{203, 0, 113, 7}, 51000); err != nil {
		t.Fatalf("RewriteAddress: %v", err)
	}

	want := []byte{0xCB, 0x00, 0x71, 0x07, 0xC7, 0x38}
	got := buf[offset : offset+6]
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rewritten bytes = % X, want % X", got, want)
		}
	}

	ip2, port2, err := ParseAddress(buf, offset)
	if err != nil {
		t.Fatalf("ParseAddress after rewrite: %v", err)
	}
	if ip2 != [4]byte{203, 0, 113, 7} || port2 != 51000 {
		t.Fatalf("round trip mismatch: ip=%v port=%d", ip2, port2)
	}
}

func TestShortBufferIsMalformed(t *testing.T) {
	buf := []byte{0xFD, 0xFC, 0x1E, 0x66, 0x6A, 0xB2, 0x02, 0x00}
	_, _, err := NatNegID(buf, StepInit)
	if !IsMalformedPacket(err) {
		t.Fatalf("expected MalformedPacket for a short buffer, got %v", err)
	}
}

func TestUnknownStepIsTolerated(t *testing.T) {
	buf := []byte{0xFD, 0xFC, 0x1E, 0x66, 0x6A, 0xB2, 0x02, 99}
	step, err := GetStep(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if step.String() == "" {
		t.Fatalf("unknown step should still stringify")
	}
}
