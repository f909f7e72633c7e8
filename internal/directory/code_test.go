package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidCodeFormat(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"happy-cloud", true},
		{"abc-xyz", true},
		{"abcdefghijklmno-abc", true},
		{"ab-cloud", false},
		{"abcdefghijklmnop-abc", false},
		{"happy_cloud", false},
		{"happy-cloud-rain", false},
		{"Happy-Cloud", false},
		{"happy-cl0ud", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidCodeFormat(tt.code))
		})
	}
}

func TestNormalizeCode(t *testing.T) {
	assert.Equal(t, "happy-cloud", NormalizeCode("  Happy-CLOUD\n"))
}
