package main

import (
	"testing"

	"github.com/cuemby/berth/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePort(t *testing.T) {
	tests := []struct {
		in      string
		want    types.PortMapping
		wantErr bool
	}{
		{in: "8080:80", want: types.PortMapping{HostPort: 8080, ContainerPort: 80}},
		{in: "53:53/udp", want: types.PortMapping{HostPort: 53, ContainerPort: 53, Protocol: "udp"}},
		{in: "9000", want: types.PortMapping{ContainerPort: 9000}},
		{in: "9000/TCP", want: types.PortMapping{ContainerPort: 9000, Protocol: "tcp"}},
		{in: "web:80", wantErr: true},
		{in: "80:http", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parsePort(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseVolume(t *testing.T) {
	v, err := parseVolume("/srv/data:/data:ro")
	require.NoError(t, err)
	assert.Equal(t, types.VolumeMount{Source: "/srv/data", Target: "/data", ReadOnly: true}, v)

	v, err = parseVolume("cache:/var/cache")
	require.NoError(t, err)
	assert.False(t, v.ReadOnly)

	_, err = parseVolume("/only")
	assert.Error(t, err)
	_, err = parseVolume("a:b:sometimes")
	assert.Error(t, err)
}

func TestParseKeyValues(t *testing.T) {
	m, err := parseKeyValues("env", []string{"A=1", "B=x=y", "C="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "x=y", "C": ""}, m)

	m, err = parseKeyValues("env", nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	_, err = parseKeyValues("label", []string{"novalue"})
	assert.EqualError(t, err, `invalid --label "novalue": expected KEY=VALUE`)
}
