package liveness

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLooksParked(t *testing.T) {
	tests := []struct {
		name string
		html string
		want bool
	}{
		{"sale banner", `<html><body><p>Buy this domain today</p></body></html>`, true},
		{"meta description", `<html><head><meta name="description" content="This domain may be for sale"></head><body></body></html>`, true},
		{"parking script", `<html><head><script src="https://www.sedoparking.com/js/a.js"></script></head></html>`, true},
		{"regular page", `<html><head><title>Bakery</title></head><body><p>Fresh bread daily.</p></body></html>`, false},
		{"empty", ``, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LooksParked(strings.NewReader(tt.html)))
		})
	}
}
