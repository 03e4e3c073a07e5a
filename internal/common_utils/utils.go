package commonutils

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// CallerLocation describes the call site skip frames above it as
// "file.go:line (function)".
// skip=0 -> this function
// skip=1 -> caller of this function
// skip=2 -> caller's caller, and so on
func CallerLocation(skip int) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}

	fn := runtime.FuncForPC(pc)
	name := "unknown"
	if fn != nil {
		name = fn.Name()
	}
	return fmt.Sprintf("%s:%d (%s)", filepath.Base(file), line, name)
}
