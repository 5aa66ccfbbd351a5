package aranet

import "strings"

const (
	ServiceUUID         = "fce0"
	CurrentReadingsUUID = "f0cd150395da4f4b9ac8aa55d312af0c"
)

const baseUUIDSuffix = "00001000800000805f9b34fb"

// NormalizeUUID brings a UUID into a comparable form: lowercase, no dashes,
// and 16-bit SIG UUIDs collapsed out of the Bluetooth base UUID.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, baseUUIDSuffix) {
		return u[4:8]
	}
	return u
}

func SameUUID(a, b string) bool {
	return NormalizeUUID(a) == NormalizeUUID(b)
}
