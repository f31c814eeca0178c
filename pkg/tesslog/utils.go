package tesslog

import (
	"reflect"
)

// GetPointer does the same thing as fmt.Sprintf("%p", &v) but fast.
// Used to tag log lines with a stable identity for connections and
// pipeline entries.
func GetPointer(value any) uint {
	ptr := reflect.ValueOf(value).Pointer()
	uintPtr := uintptr(ptr)
	return uint(uintPtr)
}
