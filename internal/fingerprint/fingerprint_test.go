package fingerprint

import "testing"

func TestSizeClass(t *testing.T) {
	cases := []struct {
		size uint32
		want uint32
	}{
		{0, 0},
		{99, 99},
		{100, mediumSizeClass},
		{2047, mediumSizeClass},
		{2048, hugeSizeClass},
		{1 << 20, hugeSizeClass},
	}

	for _, c := range cases {
		if got := sizeClass(c.size); got != c.want {
			t.Errorf("sizeClass(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	a := Compute(0x1000, 0x2000, 16)
	b := Compute(0x1000, 0x2000, 16)
	if a != b {
		t.Errorf("Compute should be deterministic, got %v and %v", a, b)
	}
}

func TestComputeDistinguishesSizeClassesAtSameSite(t *testing.T) {
	small := Compute(0x1000, 0x2000, 50)
	medium := Compute(0x1000, 0x2000, 500)
	huge := Compute(0x1000, 0x2000, 5000)

	if small == medium || medium == huge || small == huge {
		t.Errorf("distinct size classes from the same site should not collide: %v %v %v", small, medium, huge)
	}
}

func TestComputeCollidesWithinASizeClass(t *testing.T) {
	a := Compute(0x1000, 0x2000, 500)
	b := Compute(0x1000, 0x2000, 1500)
	if a != b {
		t.Errorf("allocations of the same medium size class from the same site should collide, got %v and %v", a, b)
	}
}

func TestComputeVariesWithSiteIdentity(t *testing.T) {
	a := Compute(0x1000, 0x2000, 16)
	b := Compute(0x1000, 0x3000, 16)
	if a == b {
		t.Error("different return addresses should (almost always) produce different fingerprints")
	}
}
