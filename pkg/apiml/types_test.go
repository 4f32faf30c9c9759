package apiml

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServiceInstance_EffectiveServiceID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		instance ServiceInstance
		want     string
	}{
		{name: "lowercased service id", instance: ServiceInstance{ServiceID: "DISCOVERABLECLIENT"}, want: "discoverableclient"},
		{
			name: "apimlId override",
			instance: ServiceInstance{
				ServiceID: "DISCOVERABLECLIENT",
				Metadata:  map[string]string{MetadataApimlID: "dcApimlId"},
			},
			want: "dcApimlId",
		},
		{
			name: "blank override ignored",
			instance: ServiceInstance{
				ServiceID: "Service",
				Metadata:  map[string]string{MetadataApimlID: "  "},
			},
			want: "service",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.instance.EffectiveServiceID())
		})
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	input := []Service{
		{ID: "zService", Instances: []ServiceInstance{{InstanceID: "z-1"}}},
		{ID: "aService", Instances: []ServiceInstance{{InstanceID: "a-1"}, {InstanceID: "a-2"}}},
	}
	snap := NewSnapshot(input)

	// mutating the input must not leak into the snapshot
	input[1].Instances[0].InstanceID = "changed"

	assert.Equal(t, 2, snap.Len())
	services := snap.Services()
	assert.Equal(t, "aService", services[0].ID)
	assert.Equal(t, "zService", services[1].ID)
	assert.Equal(t, "a-1", snap.Instances("ASERVICE")[0].InstanceID)
	assert.Empty(t, snap.Instances("missing"))
}
