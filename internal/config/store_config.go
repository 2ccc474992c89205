package config

type StoreConfig interface {
	GetStoreBackend() string
	GetDataFolder() string
	GetStoreKey() string
}

type Store struct {
	file *fileValues
}

var _ StoreConfig = Store{}

// GetStoreBackend is one of "file", "bolt" or "memory".
func (s Store) GetStoreBackend() string {
	return GetEnv("STORE_BACKEND", orString(s.file.Store.Backend, "file"))
}

func (s Store) GetDataFolder() string {
	return GetEnv("FOLDER", orString(s.file.Store.Folder, "./data"))
}

// GetStoreKey is the hex-encoded 32-byte key sealing stored records. Empty
// means records are sealed with a key that only lives for this process.
func (s Store) GetStoreKey() string {
	return GetEnv("STORE_KEY", s.file.Store.Key)
}
