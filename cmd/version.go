package cmd

import (
	"fmt"
	"runtime"

	"grimm.is/rime/internal/brand"
)

// RunVersion prints build information.
func RunVersion() {
	fmt.Printf("%s %s\n", brand.Name, brand.Version)
	fmt.Printf("  built:   %s\n", brand.BuildTime)
	fmt.Printf("  commit:  %s\n", brand.GitCommit)
	fmt.Printf("  go:      %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
