package driver

import "fmt"

// Constructor registries, one per role shape. Additional backends
// register here; the supervisor resolves config strings through them.
var (
	logDrivers = map[string]func(Options) (LogStore, error){
		"console": newConsoleLogStore,
		"memory":  newMemoryLogStore,
		"file":    newFileLogStore,
		"sql":     newSQLLogStore,
	}

	cacheDrivers = map[string]func(Options) (CacheStore, error){
		"memory": newMemoryCacheStore,
		"file":   newFileCacheStore,
		"sql":    newSQLCacheStore,
	}

	policyDrivers = map[string]func(Role, Options) (PolicyStore, error){
		"memory": newMemoryPolicyStore,
		"file":   newFilePolicyStore,
		"sql":    newSQLPolicyStore,
	}
)

// OpenLogStore constructs a logs driver by type name.
func OpenLogStore(typ string, opts Options) (LogStore, error) {
	ctor, ok := logDrivers[typ]
	if !ok {
		return nil, fmt.Errorf("%w: logs driver %q", ErrUnknownDriver, typ)
	}
	return ctor(opts)
}

// OpenCacheStore constructs a cache driver by type name.
func OpenCacheStore(typ string, opts Options) (CacheStore, error) {
	ctor, ok := cacheDrivers[typ]
	if !ok {
		return nil, fmt.Errorf("%w: cache driver %q", ErrUnknownDriver, typ)
	}
	return ctor(opts)
}

// OpenPolicyStore constructs a deny or allow list driver by type name.
// The role selects which list the driver serves when the backing store
// is shared (sql keeps both lists in one database).
func OpenPolicyStore(role Role, typ string, opts Options) (PolicyStore, error) {
	if role != RoleBlacklist && role != RoleWhitelist {
		return nil, fmt.Errorf("%w: role %q is not a policy role", ErrUnknownDriver, role)
	}
	ctor, ok := policyDrivers[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s driver %q", ErrUnknownDriver, role, typ)
	}
	return ctor(role, opts)
}
