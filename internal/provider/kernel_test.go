package provider

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/rime/internal/fault"
	"grimm.is/rime/internal/logging"
	"grimm.is/rime/internal/schema"
)

func testKernel(nl Netlinker) *Kernel {
	return NewKernel(nl, nil, logging.New(logging.DefaultConfig()))
}

func TestGetState(t *testing.T) {
	mockNL := new(MockNetlinker)
	k := testKernel(mockNL)

	mac, _ := net.ParseMAC("aa:bb:cc:dd:ee:01")
	br0 := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: "br0", Index: 3, MTU: 1500, Flags: net.FlagUp}}
	eth0 := &netlink.Device{LinkAttrs: netlink.LinkAttrs{
		Name: "eth0", Index: 2, MTU: 1500, MasterIndex: 3, Flags: net.FlagUp, HardwareAddr: mac,
	}}
	vlan := &netlink.Vlan{LinkAttrs: netlink.LinkAttrs{Name: "eth0.100", Index: 4, MTU: 1500, ParentIndex: 2}, VlanId: 100}

	mockNL.On("LinkList").Return([]netlink.Link{eth0, br0, vlan}, nil).Once()

	addr, _ := netlink.ParseAddr("192.168.1.10/24")
	linkLocal, _ := netlink.ParseAddr("fe80::1/64")
	mockNL.On("AddrList", eth0, unix.AF_UNSPEC).Return([]netlink.Addr{*addr, *linkLocal}, nil).Once()
	mockNL.On("AddrList", br0, unix.AF_UNSPEC).Return([]netlink.Addr{}, nil).Once()
	mockNL.On("AddrList", vlan, unix.AF_UNSPEC).Return([]netlink.Addr{}, nil).Once()

	got, err := k.GetState(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Sorted by name: br0, eth0, eth0.100.
	assert.Equal(t, "br0", got[0].Name)
	assert.Equal(t, schema.TypeBridge, got[0].Type)
	assert.Equal(t, schema.StateUp, got[0].State)

	eth := got[1]
	assert.Equal(t, "eth0", eth.Name)
	assert.Equal(t, schema.TypeEthernet, eth.Type)
	assert.Equal(t, "br0", eth.Controller)
	assert.Equal(t, []schema.Source{schema.SourceKernel}, eth.Sources)
	assert.Equal(t, []string{"192.168.1.10/24"}, eth.Properties[schema.PropAddresses])
	assert.Equal(t, 1500, eth.Properties[schema.PropMTU])
	assert.Equal(t, "aa:bb:cc:dd:ee:01", eth.Properties[schema.PropMAC])

	v := got[2]
	assert.Equal(t, schema.TypeVLAN, v.Type)
	assert.Equal(t, "eth0", v.Parent)
	assert.Equal(t, 100, v.Properties[PropVLANID])
	assert.Equal(t, schema.StateDown, v.State)

	mockNL.AssertExpectations(t)
}

func TestGetStateScoped(t *testing.T) {
	mockNL := new(MockNetlinker)
	k := testKernel(mockNL)

	eth0 := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "eth0", Index: 2, Flags: net.FlagUp}}
	eth1 := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "eth1", Index: 3}}

	mockNL.On("LinkList").Return([]netlink.Link{eth0, eth1}, nil).Once()
	mockNL.On("AddrList", eth0, unix.AF_UNSPEC).Return([]netlink.Addr{}, nil).Once()

	got, err := k.GetState(context.Background(), []string{"eth0", "does-not-exist"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "eth0", got[0].Name)

	mockNL.AssertExpectations(t)
}

func TestGetStateBackendUnavailable(t *testing.T) {
	mockNL := new(MockNetlinker)
	k := testKernel(mockNL)

	mockNL.On("LinkList").Return(nil, errors.New("netlink socket closed")).Once()

	_, err := k.GetState(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, &fault.Error{Kind: fault.KindBackendUnavailable}))
}

func TestApplyStateDelete(t *testing.T) {
	mockNL := new(MockNetlinker)
	k := testKernel(mockNL)

	link := &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "dm0", Index: 9}}
	mockNL.On("LinkByName", "dm0").Return(link, nil).Once()
	mockNL.On("LinkDel", link).Return(nil).Once()

	err := k.ApplyState(context.Background(), schema.Interface{Name: "dm0", State: schema.StateAbsent})
	assert.NoError(t, err)
	mockNL.AssertExpectations(t)

	// Deleting an interface that is already gone succeeds.
	mockNL = new(MockNetlinker)
	k = testKernel(mockNL)
	mockNL.On("LinkByName", "dm0").Return(nil, errors.New("Link not found")).Once()

	err = k.ApplyState(context.Background(), schema.Interface{Name: "dm0", State: schema.StateAbsent})
	assert.NoError(t, err)
	mockNL.AssertExpectations(t)
}

func TestApplyStateCreateVLAN(t *testing.T) {
	mockNL := new(MockNetlinker)
	k := testKernel(mockNL)

	parent := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "eth0", Index: 2}}
	created := &netlink.Vlan{LinkAttrs: netlink.LinkAttrs{Name: "eth0.100", Index: 7, ParentIndex: 2}, VlanId: 100}

	mockNL.On("LinkByName", "eth0.100").Return(nil, errors.New("Link not found")).Once()
	mockNL.On("LinkByName", "eth0").Return(parent, nil).Once()
	mockNL.On("LinkAdd", mock.MatchedBy(func(l netlink.Link) bool {
		v, ok := l.(*netlink.Vlan)
		return ok && v.Attrs().Name == "eth0.100" && v.Attrs().ParentIndex == 2 && v.VlanId == 100
	})).Return(nil).Once()
	mockNL.On("LinkByName", "eth0.100").Return(created, nil).Once()
	mockNL.On("LinkSetUp", created).Return(nil).Once()

	err := k.ApplyState(context.Background(), schema.Interface{
		Name:       "eth0.100",
		Type:       schema.TypeVLAN,
		Parent:     "eth0",
		State:      schema.StateUp,
		Properties: map[string]any{PropVLANID: 100},
	})
	assert.NoError(t, err)
	mockNL.AssertExpectations(t)
}

func TestApplyStateCannotCreatePhysical(t *testing.T) {
	mockNL := new(MockNetlinker)
	k := testKernel(mockNL)

	mockNL.On("LinkByName", "eth9").Return(nil, errors.New("Link not found")).Once()

	err := k.ApplyState(context.Background(), schema.Interface{
		Name: "eth9", Type: schema.TypeEthernet, State: schema.StateUp,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, &fault.Error{Kind: fault.KindOperationFailed}))
}

func TestApplyStateUnknownType(t *testing.T) {
	mockNL := new(MockNetlinker)
	k := testKernel(mockNL)

	mockNL.On("LinkByName", "mystery0").Return(nil, errors.New("Link not found")).Once()

	err := k.ApplyState(context.Background(), schema.Interface{
		Name: "mystery0", Type: schema.InterfaceType("gre"), State: schema.StateUp,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, &fault.Error{Kind: fault.KindUnknownInterfaceType}))
}

func TestApplyStateReconcilesAddresses(t *testing.T) {
	mockNL := new(MockNetlinker)
	k := testKernel(mockNL)

	eth0 := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "eth0", Index: 2, MTU: 1500}}

	stale, _ := netlink.ParseAddr("192.168.1.10/24")
	keep, _ := netlink.ParseAddr("10.0.0.1/24")
	linkLocal, _ := netlink.ParseAddr("fe80::1/64")

	mockNL.On("LinkByName", "eth0").Return(eth0, nil).Once()
	mockNL.On("AddrList", eth0, unix.AF_UNSPEC).Return([]netlink.Addr{*stale, *keep, *linkLocal}, nil).Once()
	mockNL.On("AddrDel", eth0, mock.MatchedBy(func(a *netlink.Addr) bool {
		return a.IPNet.String() == "192.168.1.10/24"
	})).Return(nil).Once()
	mockNL.On("AddrAdd", eth0, mock.MatchedBy(func(a *netlink.Addr) bool {
		return a.IPNet.String() == "10.0.0.2/24"
	})).Return(nil).Once()
	mockNL.On("LinkSetUp", eth0).Return(nil).Once()

	err := k.ApplyState(context.Background(), schema.Interface{
		Name:  "eth0",
		Type:  schema.TypeEthernet,
		State: schema.StateUp,
		Properties: map[string]any{
			schema.PropAddresses: []string{"10.0.0.1/24", "10.0.0.2/24"},
			schema.PropMTU:       1500, // matches current, no LinkSetMTU expected
		},
	})
	assert.NoError(t, err)
	mockNL.AssertExpectations(t)
}

func TestApplyStateAttachAndDetach(t *testing.T) {
	t.Run("attach", func(t *testing.T) {
		mockNL := new(MockNetlinker)
		k := testKernel(mockNL)

		eth0 := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "eth0", Index: 2}}
		br0 := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: "br0", Index: 3}}

		mockNL.On("LinkByName", "eth0").Return(eth0, nil).Once()
		mockNL.On("LinkByName", "br0").Return(br0, nil).Once()
		mockNL.On("LinkSetMaster", eth0, br0).Return(nil).Once()
		mockNL.On("LinkSetUp", eth0).Return(nil).Once()

		err := k.ApplyState(context.Background(), schema.Interface{
			Name: "eth0", Type: schema.TypeEthernet, Controller: "br0", State: schema.StateUp,
		})
		assert.NoError(t, err)
		mockNL.AssertExpectations(t)
	})

	t.Run("detach", func(t *testing.T) {
		mockNL := new(MockNetlinker)
		k := testKernel(mockNL)

		enslaved := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: "eth0", Index: 2, MasterIndex: 3}}

		mockNL.On("LinkByName", "eth0").Return(enslaved, nil).Once()
		mockNL.On("LinkSetNoMaster", enslaved).Return(nil).Once()
		mockNL.On("LinkSetDown", enslaved).Return(nil).Once()

		err := k.ApplyState(context.Background(), schema.Interface{
			Name: "eth0", Type: schema.TypeEthernet, State: schema.StateDown,
		})
		assert.NoError(t, err)
		mockNL.AssertExpectations(t)
	})
}

func TestVlanID(t *testing.T) {
	tests := []struct {
		name    string
		iface   schema.Interface
		want    int
		wantErr bool
	}{
		{"from property", schema.Interface{Name: "vif", Properties: map[string]any{PropVLANID: 42}}, 42, false},
		{"from name", schema.Interface{Name: "eth0.200"}, 200, false},
		{"property wins", schema.Interface{Name: "eth0.200", Properties: map[string]any{PropVLANID: 300}}, 300, false},
		{"out of range", schema.Interface{Name: "vif", Properties: map[string]any{PropVLANID: 5000}}, 0, true},
		{"missing", schema.Interface{Name: "vif"}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := vlanID(tt.iface)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBondMode(t *testing.T) {
	assert.Equal(t, netlink.BOND_MODE_802_3AD, bondMode("lacp"))
	assert.Equal(t, netlink.BOND_MODE_802_3AD, bondMode("802.3ad"))
	assert.Equal(t, netlink.BOND_MODE_BALANCE_RR, bondMode("balance-rr"))
	assert.Equal(t, netlink.BOND_MODE_ACTIVE_BACKUP, bondMode(""))
	assert.Equal(t, netlink.BOND_MODE_ACTIVE_BACKUP, bondMode("nonsense"))
}

func TestAddressProp(t *testing.T) {
	// YAML decoding hands the provider []any, direct construction []string.
	fromYAML, ok := addressProp(map[string]any{schema.PropAddresses: []any{"10.0.0.1/24", "fd00::1/64"}})
	require.True(t, ok)
	assert.Equal(t, []string{"10.0.0.1/24", "fd00::1/64"}, fromYAML)

	_, ok = addressProp(map[string]any{})
	assert.False(t, ok)

	empty, ok := addressProp(map[string]any{schema.PropAddresses: []string{}})
	require.True(t, ok)
	assert.Empty(t, empty)
}
