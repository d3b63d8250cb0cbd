package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDuration_UnmarshalString(t *testing.T) {
	var out struct {
		Wait Duration `yaml:"wait"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("wait: 90s"), &out))
	assert.Equal(t, 90*time.Second, out.Wait.Std())
}

func TestDuration_UnmarshalInvalid(t *testing.T) {
	var out struct {
		Wait Duration `yaml:"wait"`
	}
	assert.Error(t, yaml.Unmarshal([]byte("wait: soon"), &out))
}

func TestDuration_MarshalRoundTrip(t *testing.T) {
	data, err := yaml.Marshal(Duration(time.Minute))
	require.NoError(t, err)

	var parsed Duration
	require.NoError(t, yaml.Unmarshal(data, &parsed))
	assert.Equal(t, time.Minute, parsed.Std())
}
