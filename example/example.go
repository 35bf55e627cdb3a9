// Package example shows how pipelines are used.
package example

import (
	"fmt"
	"os"
	"path/filepath"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

// tempPath returns path of the file in a fresh temporary directory.
func tempPath(name string) (string, func()) {
	dir, err := os.MkdirTemp("", "pipeline-example")
	check(err)
	return filepath.Join(dir, name), func() {
		if err := os.RemoveAll(dir); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}
