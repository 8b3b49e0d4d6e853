package market

import (
	"encoding/hex"

	"github.com/minio/highwayhash"
)

// digestKey is the fixed 32-byte key used to digest Proposal bodies and
// Agreement signature payloads. It only needs to be stable within one
// running daemon (and consistent between the two local roles in tests
// that drive both sides of an Agreement); it is not a secret.
var digestKey = make([]byte, 32)

func highwayDigest(body string) string {
	h, err := highwayhash.New(digestKey)
	if err != nil {
		// digestKey is always exactly 32 bytes; New only errors on bad key length.
		panic(err)
	}
	h.Write([]byte(body))
	return hex.EncodeToString(h.Sum(nil))
}
