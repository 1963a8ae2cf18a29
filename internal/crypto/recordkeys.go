package icrypto

import "github.com/jmcleod/ironsession/internal/util"

const storeKeyVersion = 1

// DeriveStoreKey expands raw key material into the record sealing key for
// a namespace. salt may be nil when the material is already uniformly random.
func DeriveStoreKey(material, salt []byte, namespace string) ([]byte, error) {
	return util.HKDF(material, salt, AADStoreKey(namespace, storeKeyVersion))
}
