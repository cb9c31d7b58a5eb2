package flagx

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		allowed []string
		want    []string
	}{
		{
			name:    "separate flag and value",
			args:    []string{"-d", "dsn", "-x", "other"},
			allowed: []string{"-d"},
			want:    []string{"-d", "dsn"},
		},
		{
			name:    "combined flag=value",
			args:    []string{"--config=conf.json", "-z=1"},
			allowed: []string{"--config"},
			want:    []string{"--config=conf.json"},
		},
		{
			name:    "boolean-style flag followed by another flag",
			args:    []string{"-v", "-d", "dsn"},
			allowed: []string{"-v", "-d"},
			want:    []string{"-v", "-d", "dsn"},
		},
		{
			name:    "nothing allowed",
			args:    []string{"-a", "1", "-b", "2"},
			allowed: nil,
			want:    []string{},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FilterArgs(tc.args, tc.allowed))
		})
	}
}

func TestJsonConfigFlags(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	os.Args = []string{"worker", "-c", "conf.json", "-d", "dsn"}
	assert.Equal(t, "conf.json", JsonConfigFlags())

	os.Args = []string{"worker", "-d", "dsn"}
	assert.Equal(t, "", JsonConfigFlags())
}
