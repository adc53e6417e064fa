package dispatch

import "github.com/google/uuid"

// deliveryNamespace namespaces the deterministic delivery UUID derivation
// so it can never collide with a UUID minted for an unrelated
// purpose elsewhere in the bridge.
var deliveryNamespace = uuid.MustParse("8f14e45f-ceea-467e-bd4a-0a1f3a3e7a0e")

// DeliveryUUID derives a stable UUID from (event_id, content_hash): equal
// inputs always produce the equal output, across processes and restarts,
// giving the Feishu gateway's delivery_uuid dedup something to key on
// across our own retries.
func DeliveryUUID(eventID, contentHash string) string {
	return uuid.NewSHA1(deliveryNamespace, []byte(eventID+unitSep+contentHash)).String()
}
