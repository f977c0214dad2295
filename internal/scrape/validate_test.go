package scrape

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateSubmission(t *testing.T) {
	t.Parallel()

	valid := ExtractionSpec{Container: ".item", Fields: map[string]string{"name": ".n"}}
	cases := []struct {
		name    string
		url     string
		spec    ExtractionSpec
		wantErr string
	}{
		{name: "ok", url: "https://example.com", spec: valid},
		{name: "bad scheme", url: "ftp://example.com", spec: valid, wantErr: "scheme"},
		{name: "no host", url: "https://", spec: valid, wantErr: "host"},
		{
			name:    "missing container",
			url:     "https://example.com",
			spec:    ExtractionSpec{Fields: map[string]string{"name": ".n"}},
			wantErr: "selectors.container",
		},
		{
			name:    "bad container",
			url:     "https://example.com",
			spec:    ExtractionSpec{Container: "div[", Fields: map[string]string{"name": ".n"}},
			wantErr: "selectors.container",
		},
		{
			name:    "no fields",
			url:     "https://example.com",
			spec:    ExtractionSpec{Container: ".item"},
			wantErr: "selectors.fields",
		},
		{
			name:    "bad field selector",
			url:     "https://example.com",
			spec:    ExtractionSpec{Container: ".item", Fields: map[string]string{"price": "a[href"}},
			wantErr: "selectors.fields.price",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateSubmission(tc.url, tc.spec)
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.ErrorIs(t, err, ErrValidation)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestTransientWrapsOnce(t *testing.T) {
	t.Parallel()

	base := errors.New("connection reset")
	err := Transient(base)
	require.ErrorIs(t, err, ErrTransient)
	require.ErrorIs(t, err, base)
	require.Equal(t, err, Transient(err))
	require.NoError(t, Transient(nil))
}

func TestExponentialRetryPolicy(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3, 100*time.Millisecond, 400*time.Millisecond)
	require.Equal(t, 3, p.MaxAttempts())

	require.True(t, p.ShouldRetry(Transient(errors.New("boom")), 1))
	require.False(t, p.ShouldRetry(Transient(errors.New("boom")), 3))
	require.False(t, p.ShouldRetry(&ValidationError{Field: "url", Reason: "bad"}, 1))
	require.False(t, p.ShouldRetry(ErrCaptchaTimeout, 1))
	require.False(t, p.ShouldRetry(nil, 1))

	for attempt := 1; attempt <= 5; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, 50*time.Millisecond)
		require.LessOrEqual(t, d, 400*time.Millisecond)
	}
}

func TestExponentialRetryPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(0, 0, 0)
	require.Equal(t, 3, p.MaxAttempts())
	require.LessOrEqual(t, p.Backoff(10), 4*time.Second)
}
