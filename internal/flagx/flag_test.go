package flagx

import (
	"os"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterArgs(t *testing.T) {
	tests := []struct {
		name         string
		args         []string
		allowedFlags []string
		want         []string
	}{
		{
			name:         "short flag with separate value",
			args:         []string{"-c", "cadenza.json", "-a", "http://127.0.0.1:8080"},
			allowedFlags: []string{"-c", "--config"},
			want:         []string{"-c", "cadenza.json"},
		},
		{
			name:         "long flag with equals",
			args:         []string{"--config=agent.json", "-a", "http://127.0.0.1:8080"},
			allowedFlags: []string{"-c", "--config"},
			want:         []string{"--config=agent.json"},
		},
		{
			name:         "both short and long present, preserve order",
			args:         []string{"--config=studio.json", "-c", "home.json", "-w", "3"},
			allowedFlags: []string{"-c", "--config"},
			want:         []string{"--config=studio.json", "-c", "home.json"},
		},
		{
			name:         "unknown flags ignored",
			args:         []string{"-w", "3", "--verbose=1", "positional"},
			allowedFlags: []string{"-c", "--config"},
			want:         []string{},
		},
		{
			name:         "flag without value at end is kept as-is",
			args:         []string{"-c"},
			allowedFlags: []string{"-c", "--config"},
			want:         []string{"-c"},
		},
		{
			name:         "flag followed by another flag (no value)",
			args:         []string{"-c", "-notvalue"},
			allowedFlags: []string{"-c", "--config"},
			want:         []string{"-c"},
		},
		{
			name:         "value that looks like a flag but with equals form",
			args:         []string{"--config=--weird.json"},
			allowedFlags: []string{"--config"},
			want:         []string{"--config=--weird.json"},
		},
		{
			name:         "multiple allowed flags kept",
			args:         []string{"-a", "http://127.0.0.1:8080", "-c", "cadenza.json", "--other", "x"},
			allowedFlags: []string{"-c", "-a"},
			want:         []string{"-a", "http://127.0.0.1:8080", "-c", "cadenza.json"},
		},
		{
			name:         "empty args",
			args:         []string{},
			allowedFlags: []string{"-c", "--config"},
			want:         []string{},
		},
		{
			name:         "path with spaces remains single arg",
			args:         []string{"-c", "/home/student/cadenza.json"},
			allowedFlags: []string{"-c"},
			want:         []string{"-c", "/home/student/cadenza.json"},
		},
		{
			name:         "do not treat next dash-starting token as value",
			args:         []string{"-c", "--config=agent.json"},
			allowedFlags: []string{"-c", "--config"},
			want:         []string{"-c", "--config=agent.json"},
		},
		{
			name:         "repeated allowed flag is preserved in order",
			args:         []string{"-c", "studio.json", "-c", "home.json"},
			allowedFlags: []string{"-c"},
			want:         []string{"-c", "studio.json", "-c", "home.json"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := FilterArgs(tt.args, tt.allowedFlags)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("FilterArgs() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func Test_jsonConfigFlags(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	t.Run("short -c with value", func(t *testing.T) {
		os.Args = []string{"cadenza-agent", "-c", "/etc/cadenza/agent.json"}
		assert.Equal(t, "/etc/cadenza/agent.json", JsonConfigFlags())
	})

	t.Run("long -config with value", func(t *testing.T) {
		os.Args = []string{"cadenza-agent", "-config", "/etc/cadenza/server.json"}
		assert.Equal(t, "/etc/cadenza/server.json", JsonConfigFlags())
	})

	t.Run("unknown flags are ignored", func(t *testing.T) {
		os.Args = []string{"cadenza-agent", "-w", "3", "-i", "30"}
		assert.Empty(t, JsonConfigFlags())
	})

	t.Run("multiple flags, last wins", func(t *testing.T) {
		os.Args = []string{"cadenza-agent", "-c", "/etc/cadenza/1.json", "-config", "/etc/cadenza/2.json"}
		assert.Equal(t, "/etc/cadenza/2.json", JsonConfigFlags())
	})
}
