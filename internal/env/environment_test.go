package env

import "testing"

func TestParseIntGreaterThanZero(t *testing.T) {
	t.Run("DefaultWhenUnset", func(t *testing.T) {
		if got := parseIntGreaterThanZero("ALLOC_ENV_TEST_UNSET", 42); got != 42 {
			t.Errorf("got %d, want 42", got)
		}
	})

	t.Run("DefaultWhenZeroOrNegative", func(t *testing.T) {
		t.Setenv("ALLOC_ENV_TEST_ZERO", "0")
		if got := parseIntGreaterThanZero("ALLOC_ENV_TEST_ZERO", 7); got != 7 {
			t.Errorf("got %d, want 7", got)
		}

		t.Setenv("ALLOC_ENV_TEST_NEG", "-3")
		if got := parseIntGreaterThanZero("ALLOC_ENV_TEST_NEG", 7); got != 7 {
			t.Errorf("got %d, want 7", got)
		}
	})

	t.Run("ParsesValidValue", func(t *testing.T) {
		t.Setenv("ALLOC_ENV_TEST_OK", "15")
		if got := parseIntGreaterThanZero("ALLOC_ENV_TEST_OK", 7); got != 15 {
			t.Errorf("got %d, want 15", got)
		}
	})

	t.Run("DefaultWhenNotANumber", func(t *testing.T) {
		t.Setenv("ALLOC_ENV_TEST_NAN", "banana")
		if got := parseIntGreaterThanZero("ALLOC_ENV_TEST_NAN", 7); got != 7 {
			t.Errorf("got %d, want 7", got)
		}
	})
}

func TestRoundUpToPageMultiple(t *testing.T) {
	e := &Environment{PageSize: 4096}

	cases := []struct {
		size uint32
		want uint32
	}{
		{0, 0},
		{1, 4096},
		{4096, 4096},
		{4097, 8192},
	}

	for _, c := range cases {
		if got := e.RoundUpToPageMultiple(c.size); got != c.want {
			t.Errorf("RoundUpToPageMultiple(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	e := Load()
	if e.TimeForAllocationToBecomeSuspicious != 30 {
		t.Errorf("TimeForAllocationToBecomeSuspicious = %d, want 30", e.TimeForAllocationToBecomeSuspicious)
	}
	if e.PageSize == 0 {
		t.Error("PageSize should not be zero")
	}
}
