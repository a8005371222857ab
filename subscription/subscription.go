// Package subscription resolves a subscription key against a mirror's
// requested product and derives the HTTP Basic-style authentication
// header the Snapshot Engine attaches to every fetch (§4.5). The
// subscription-key lifecycle itself (issuance, remote validation
// endpoints) is external to this package, per the core/collaborator
// boundary; this package only consumes already-resolved keys.
//
// Grounded on auth/credentials.go's constructor-style derivation
// (Password/Key lazily producing request credentials) generalized
// from curve25519 session keys to a static bearer value.
package subscription

import (
	"encoding/base64"
	"fmt"

	"github.com/proxmox/proxmox-offline-mirror/pomerror"
)

// Key is a resolved subscription key: its raw value plus the product
// it is valid for.
type Key struct {
	Value   string
	Product string
}

// Resolve finds the key in keys matching product. An empty product
// means the mirror does not require a subscription and Resolve always
// succeeds with a zero Key. Otherwise: no keys at all fails with
// ErrSubscriptionRequired; keys present but none matching product
// fails with ErrSubscriptionProductMismatch.
func Resolve(keys []Key, product string) (Key, error) {
	if product == "" {
		return Key{}, nil
	}

	if len(keys) == 0 {
		return Key{}, pomerror.Wrap(pomerror.KindConfiguration, "subscription.resolve", pomerror.ErrSubscriptionRequired)
	}

	for _, k := range keys {
		if k.Product == product {
			return k, nil
		}
	}

	return Key{}, pomerror.Wrap(pomerror.KindConfiguration, "subscription.resolve", pomerror.ErrSubscriptionProductMismatch)
}

// BasicAuthHeader derives the "Basic base64(key \":\" server_id)"
// header value the Fetcher attaches to every request for a
// subscription-gated mirror (§4.5). A zero Key (no subscription
// required) yields an empty header.
func BasicAuthHeader(key Key, serverID string) string {
	if key.Value == "" {
		return ""
	}

	raw := fmt.Sprintf("%s:%s", key.Value, serverID)

	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}
