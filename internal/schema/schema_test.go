package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDesiredStateValidate(t *testing.T) {
	tests := []struct {
		name    string
		doc     DesiredState
		wantErr string
	}{
		{
			name: "valid",
			doc: DesiredState{Interfaces: []Interface{
				{Name: "br0", Type: TypeBridge, State: StateUp},
				{Name: "eth0", Type: TypeEthernet, Controller: "br0"},
			}},
		},
		{
			name:    "missing name",
			doc:     DesiredState{Interfaces: []Interface{{Type: TypeBridge}}},
			wantErr: "missing name",
		},
		{
			name: "duplicate name",
			doc: DesiredState{Interfaces: []Interface{
				{Name: "eth0"},
				{Name: "eth0"},
			}},
			wantErr: "listed twice",
		},
		{
			name: "absent with payload",
			doc: DesiredState{Interfaces: []Interface{
				{Name: "vlan10", State: StateAbsent, Properties: map[string]any{"mtu": 1500}},
			}},
			wantErr: "absent entries cannot carry properties",
		},
		{
			name: "self controller",
			doc: DesiredState{Interfaces: []Interface{
				{Name: "br0", Controller: "br0"},
			}},
			wantErr: "own controller",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.doc.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestInterfaceDHCP(t *testing.T) {
	i := Interface{Properties: map[string]any{PropDHCP: true}}
	assert.True(t, i.DHCP())

	i.Properties[PropDHCP] = false
	assert.False(t, i.DHCP())

	i.Properties = nil
	assert.False(t, i.DHCP())

	// non-bool value does not count as enabled
	i.Properties = map[string]any{PropDHCP: "yes"}
	assert.False(t, i.DHCP())
}

func TestInterfaceDependsOnName(t *testing.T) {
	assert.Equal(t, "br0", (&Interface{Controller: "br0"}).DependsOnName())
	assert.Equal(t, "bond0", (&Interface{Parent: "bond0"}).DependsOnName())
	assert.Equal(t, "", (&Interface{}).DependsOnName())

	// controller wins when both are set
	both := &Interface{Controller: "br0", Parent: "eth0"}
	assert.Equal(t, "br0", both.DependsOnName())
}

func TestInterfaceClone(t *testing.T) {
	orig := Interface{
		Name: "wg0",
		Type: TypeWireGuard,
		Properties: map[string]any{
			"peers": []any{map[string]any{"endpoint": "a:1"}},
		},
	}

	cp := orig.Clone()
	cp.Properties["peers"].([]any)[0].(map[string]any)["endpoint"] = "b:2"

	got := orig.Properties["peers"].([]any)[0].(map[string]any)["endpoint"]
	assert.Equal(t, "a:1", got, "mutating the clone must not touch the original")
}

func TestPlanTouchedNames(t *testing.T) {
	p := Plan{Ops: []Operation{
		{Seq: 0, Iface: "br0"},
		{Seq: 1, Iface: "eth1"},
		{Seq: 2, Iface: "br0"},
	}}

	assert.Equal(t, []string{"br0", "eth1"}, p.TouchedNames())
}

func TestSnapshotNames(t *testing.T) {
	s := UnifiedSnapshot{Interfaces: map[string]Interface{
		"eth1": {Name: "eth1"},
		"br0":  {Name: "br0"},
		"eth0": {Name: "eth0"},
	}}

	assert.Equal(t, []string{"br0", "eth0", "eth1"}, s.Names())
}
