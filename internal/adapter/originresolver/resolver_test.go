package originresolver_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/zenscraper/internal/adapter/originresolver"
)

func TestOrigin(t *testing.T) {
	r := originresolver.New()
	cases := []struct {
		in   string
		want string
	}{
		{"https://example.com/contact", "example.com:443"},
		{"http://example.com", "example.com:80"},
		{"https://Example.COM:8443/x", "example.com:8443"},
		{"http://sub.shop.example:3000", "sub.shop.example:3000"},
		{" https://padded.example ", "padded.example:443"},
	}
	for _, tc := range cases {
		got, err := r.Origin(tc.in)
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestOriginInvalid(t *testing.T) {
	r := originresolver.New()
	for _, in := range []string{"", "not a url", "/relative/path"} {
		_, err := r.Origin(in)
		assert.Error(t, err, "input %q", in)
	}
}
