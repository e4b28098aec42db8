//go:build linux

package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"grimm.is/rime/internal/schema"
)

func TestDeviceConfigTranslation(t *testing.T) {
	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	peerKey, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)

	desired := schema.Interface{
		Name:  "wg0",
		Type:  schema.TypeWireGuard,
		State: schema.StateUp,
		Properties: map[string]any{
			propPrivateKey: priv.String(),
			propListenPort: 51820,
			propPeers: []any{
				map[string]any{
					propPublicKey: peerKey.PublicKey().String(),
					"endpoint":    "198.51.100.7:51820",
					"allowed-ips": []any{"10.99.0.0/24"},
					"keepalive":   25,
				},
			},
		},
	}

	conf, err := deviceConfig(&desired)
	require.NoError(t, err)
	require.True(t, conf.ReplacePeers)
	require.NotNil(t, conf.PrivateKey)
	require.Equal(t, priv.String(), conf.PrivateKey.String())
	require.NotNil(t, conf.ListenPort)
	require.Equal(t, 51820, *conf.ListenPort)

	require.Len(t, conf.Peers, 1)
	peer := conf.Peers[0]
	require.Equal(t, peerKey.PublicKey().String(), peer.PublicKey.String())
	require.Equal(t, "198.51.100.7:51820", peer.Endpoint.String())
	require.Len(t, peer.AllowedIPs, 1)
	require.Equal(t, "10.99.0.0/24", peer.AllowedIPs[0].String())
	require.NotNil(t, peer.PersistentKeepaliveInterval)
	require.Equal(t, 25*time.Second, *peer.PersistentKeepaliveInterval)
}

func TestDeviceConfigRejectsBadKeys(t *testing.T) {
	desired := schema.Interface{
		Name: "wg0",
		Properties: map[string]any{
			propPrivateKey: "not-a-key",
		},
	}
	_, err := deviceConfig(&desired)
	require.Error(t, err)

	desired = schema.Interface{
		Name: "wg0",
		Properties: map[string]any{
			propPeers: []any{map[string]any{}},
		},
	}
	_, err = deviceConfig(&desired)
	require.ErrorContains(t, err, "public-key")
}

func TestDeviceConfigAcceptsYAMLPeerMaps(t *testing.T) {
	peerKey, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)

	desired := schema.Interface{
		Name: "wg0",
		Properties: map[string]any{
			propPeers: []any{
				map[any]any{
					propPublicKey: peerKey.PublicKey().String(),
				},
			},
		},
	}
	conf, err := deviceConfig(&desired)
	require.NoError(t, err)
	require.Len(t, conf.Peers, 1)
}
