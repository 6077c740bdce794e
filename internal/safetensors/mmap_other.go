//go:build !unix

package safetensors

import "os"

func mmapFile(*os.File, int64) ([]byte, bool) { return nil, false }

func munmap([]byte) error { return nil }
