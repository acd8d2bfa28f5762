package preset

import (
	"testing"
)

func f64(v float64) *float64 { return &v }

func TestSelectByMagnitude(t *testing.T) {
	r := NewResolver(nil)

	cases := []struct {
		vmag float64
		want string
	}{
		{14.5, "bright"},
		{16.0, "bright"},
		{17.2, "medium"},
		{19.8, "faint"},
		{21.0, "faint"},
	}
	for _, tc := range cases {
		got := r.Select(f64(tc.vmag), 0, nil)
		if got.Name != tc.want {
			t.Errorf("Select(vmag=%v) = %q, want %q", tc.vmag, got.Name, tc.want)
		}
	}
}

func TestSelectUnknownMagnitudeUsesBrightTier(t *testing.T) {
	r := NewResolver(nil)
	got := r.Select(nil, 0, nil)
	if got.Name != "bright" {
		t.Errorf("Select(nil) = %q, want bright", got.Name)
	}
}

func TestSelectUrgencyScaling(t *testing.T) {
	r := NewResolver(nil)

	base := r.Select(f64(17.0), 0.5, nil)
	if base.Name != "medium" || base.ExposureSeconds != 90 || base.Count != 5 {
		t.Fatalf("baseline preset = %+v", base)
	}

	urgent := r.Select(f64(17.0), 0.9, nil)
	if urgent.Name != "medium-urgent" {
		t.Errorf("urgent name = %q", urgent.Name)
	}
	if urgent.ExposureSeconds >= base.ExposureSeconds {
		t.Errorf("urgent exposure %v not shortened from %v", urgent.ExposureSeconds, base.ExposureSeconds)
	}
	if urgent.Count != base.Count+2 {
		t.Errorf("urgent count = %d, want %d", urgent.Count, base.Count+2)
	}
}

func TestSelectFastMoverHalvesExposure(t *testing.T) {
	r := NewResolver(nil)

	fast := r.Select(f64(17.0), 0, f64(45))
	if fast.Name != "medium-fast" {
		t.Errorf("fast name = %q", fast.Name)
	}
	if fast.ExposureSeconds != 45 {
		t.Errorf("fast exposure = %v, want 45", fast.ExposureSeconds)
	}
	if fast.Count != 10 {
		t.Errorf("fast count = %d, want 10", fast.Count)
	}

	slow := r.Select(f64(17.0), 0, f64(12))
	if slow.Name != "medium" {
		t.Errorf("slow mover should keep base preset, got %q", slow.Name)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(DefaultPresets()); err != nil {
		t.Errorf("default presets invalid: %v", err)
	}

	bad := []Preset{{Name: "x", MaxVmag: 16, ExposureSeconds: 0, Count: 1, Binning: 1}}
	if err := Validate(bad); err == nil {
		t.Error("expected error for zero exposure")
	}

	unordered := []Preset{
		{Name: "a", MaxVmag: 18, ExposureSeconds: 60, Count: 1, Binning: 1},
		{Name: "b", MaxVmag: 16, ExposureSeconds: 60, Count: 1, Binning: 1},
	}
	if err := Validate(unordered); err == nil {
		t.Error("expected error for unordered tiers")
	}
}
