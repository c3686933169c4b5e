package config

// Backend is the platform store behind persisted settings: UserDefaults on
// macOS, a JSON file elsewhere. Environment variables are applied on top.
type Backend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
