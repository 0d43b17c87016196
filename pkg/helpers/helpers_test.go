package helpers

import "testing"

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount   uint64
		decimals uint8
		want     string
	}{
		{1000000, 6, "1"},
		{1500000, 6, "1.5"},
		{10000, 6, "0.01"},
		{1, 6, "0.000001"},
		{0, 6, "0"},
		{100000000, 8, "1"},
		{6666666, 8, "0.06666666"},
		{42, 0, "42"},
	}

	for _, tt := range tests {
		got := FormatAmount(tt.amount, tt.decimals)
		if got != tt.want {
			t.Errorf("FormatAmount(%d, %d) = %s, want %s", tt.amount, tt.decimals, got, tt.want)
		}
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		s        string
		decimals uint8
		want     uint64
		wantErr  bool
	}{
		{"1", 6, 1000000, false},
		{"1.5", 6, 1500000, false},
		{"0.01", 6, 10000, false},
		{"12.84", 6, 12840000, false},
		{"0.000001", 6, 1, false},
		{"", 6, 0, true},
		{"abc", 6, 0, true},
		{"1.2.3", 6, 0, true},
	}

	for _, tt := range tests {
		got, err := ParseAmount(tt.s, tt.decimals)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseAmount(%q) expected error, got %d", tt.s, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAmount(%q) error = %v", tt.s, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAmount(%q) = %d, want %d", tt.s, got, tt.want)
		}
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	values := []string{"1", "1.5", "0.01", "123.456789", "0.000001"}
	for _, v := range values {
		micros, err := ParseUSD(v)
		if err != nil {
			t.Fatalf("ParseUSD(%q) error = %v", v, err)
		}
		if got := FormatUSD(micros); got != v {
			t.Errorf("FormatUSD(ParseUSD(%q)) = %q", v, got)
		}
	}
}

func TestUSDToSatoshis(t *testing.T) {
	// $3 at $45/BSV = 0.0666.. BSV = 6,666,666 sats (truncated)
	if got := USDToSatoshis(3_000_000, 45); got != 6_666_666 {
		t.Errorf("USDToSatoshis($3, 45) = %d, want 6666666", got)
	}
	// $3 at $50/BSV = exactly 6,000,000 sats
	if got := USDToSatoshis(3_000_000, 50); got != 6_000_000 {
		t.Errorf("USDToSatoshis($3, 50) = %d, want 6000000", got)
	}
	if got := USDToSatoshis(3_000_000, 0); got != 0 {
		t.Errorf("USDToSatoshis with zero price = %d, want 0", got)
	}
}

func TestReverseBytes(t *testing.T) {
	in := []byte{1, 2, 3, 4}
	got := ReverseBytes(in)
	want := []byte{4, 3, 2, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ReverseBytes = %v, want %v", got, want)
		}
	}
	if in[0] != 1 {
		t.Error("ReverseBytes mutated its input")
	}
}

func TestIsHex(t *testing.T) {
	if !IsHex("deadBEEF01") {
		t.Error("IsHex(deadBEEF01) = false")
	}
	if IsHex("") || IsHex("xyz") || IsHex("12 34") {
		t.Error("IsHex accepted invalid input")
	}
}
