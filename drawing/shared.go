package drawing

import "sync"

var shared = sync.OnceValue(func() *Drawer {
	return NewDrawer(nil, Options{})
})

// Shared returns the process-wide Drawer. It is created on the first call, uses an
// in-memory cache and lives until the process exits, so it must not be shut down.
func Shared() *Drawer {
	return shared()
}
