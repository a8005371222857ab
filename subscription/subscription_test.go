package subscription_test

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/proxmox/proxmox-offline-mirror/pomerror"
	"github.com/proxmox/proxmox-offline-mirror/subscription"
)

func TestResolveNoProductNeverFails(t *testing.T) {
	key, err := subscription.Resolve(nil, "")
	require.NoError(t, err)
	require.Equal(t, subscription.Key{}, key)
}

func TestResolveRequiresAtLeastOneKey(t *testing.T) {
	_, err := subscription.Resolve(nil, "pom-premium")
	require.ErrorIs(t, err, pomerror.ErrSubscriptionRequired)
}

func TestResolveRejectsProductMismatch(t *testing.T) {
	keys := []subscription.Key{{Value: "abc", Product: "other-product"}}
	_, err := subscription.Resolve(keys, "pom-premium")
	require.ErrorIs(t, err, pomerror.ErrSubscriptionProductMismatch)
}

func TestResolveFindsMatchingProduct(t *testing.T) {
	keys := []subscription.Key{
		{Value: "abc", Product: "other-product"},
		{Value: "xyz", Product: "pom-premium"},
	}

	key, err := subscription.Resolve(keys, "pom-premium")
	require.NoError(t, err)
	require.Equal(t, "xyz", key.Value)
}

func TestBasicAuthHeaderEncodesKeyAndServerID(t *testing.T) {
	header := subscription.BasicAuthHeader(subscription.Key{Value: "xyz"}, "server-42")
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("xyz:server-42"))
	require.Equal(t, want, header)
}

func TestBasicAuthHeaderEmptyForNoSubscription(t *testing.T) {
	require.Equal(t, "", subscription.BasicAuthHeader(subscription.Key{}, "server-42"))
}
