package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want ByteSize
	}{
		{"1024", 1024},
		{"512KB", 512 * KB},
		{"8MB", 8 * MB},
		{"8 mb", 8 * MB},
		{"1.5GB", GB + GB/2},
		{"64Ki", 64 * KB},
		{"2MiB", 2 * MB},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseByteSize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "MB", "-1MB", "10 parsecs"} {
		_, err := ParseByteSize(bad)
		assert.Error(t, err, bad)
	}
}

func TestByteSize_String(t *testing.T) {
	assert.Equal(t, "8MB", (8 * MB).String())
	assert.Equal(t, "1.5GB", (GB + GB/2).String())
	assert.Equal(t, "100B", ByteSize(100).String())
}

func TestByteSize_YAML(t *testing.T) {
	var cfg struct {
		Size ByteSize `yaml:"size"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("size: 256KB\n"), &cfg))
	assert.Equal(t, 256*KB, cfg.Size)

	assert.Error(t, yaml.Unmarshal([]byte("size: lots\n"), &cfg))
}

func TestMaxLogSize_Defaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 8*MB, cfg.MaxLogSize)

	cfg.MaxLogSize = KB
	assert.ErrorContains(t, cfg.Validate(), "max_log_size")
}
