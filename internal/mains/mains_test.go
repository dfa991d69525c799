package mains

import "testing"

func TestForTimezone(t *testing.T) {
	tests := []struct {
		zone       string
		want       float64
		wantSource string
	}{
		{"Europe/Berlin", 50, "timezone"},
		{"Asia/Tokyo", 50, "timezone"},
		{"Australia/Sydney", 50, "timezone"},
		{"America/New_York", 60, "timezone"},
		{"America/Sao_Paulo", 60, "timezone"},
		{"Asia/Seoul", 60, "timezone"},
		{"UTC", Fallback, "fallback"},
		{"Etc/GMT+3", Fallback, "fallback"},
	}

	for _, tt := range tests {
		t.Run(tt.zone, func(t *testing.T) {
			got := ForTimezone(tt.zone)
			if got.Hz != tt.want || got.Source != tt.wantSource {
				t.Errorf("ForTimezone(%q) = %v Hz via %s, want %v via %s", tt.zone, got.Hz, got.Source, tt.want, tt.wantSource)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		setting string
		want    float64
		wantErr bool
	}{
		{"50", 50, false},
		{"60Hz", 60, false},
		{"55", 0, true},
		{"loud", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.setting, func(t *testing.T) {
			got, err := Resolve(tt.setting)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve(%q) error = %v, wantErr %v", tt.setting, err, tt.wantErr)
			}
			if !tt.wantErr && got.Hz != tt.want {
				t.Errorf("Resolve(%q) = %v, want %v", tt.setting, got.Hz, tt.want)
			}
		})
	}
}

func TestResolveAuto(t *testing.T) {
	got, err := Resolve(Auto)
	if err != nil {
		t.Fatalf("Resolve(auto) error = %v", err)
	}
	if got.Hz != 50 && got.Hz != 60 {
		t.Errorf("Resolve(auto) = %v, want 50 or 60", got.Hz)
	}
}
