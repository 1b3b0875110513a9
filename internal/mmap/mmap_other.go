//go:build !unix

package mmap

import "os"

// Open falls back to reading the file into memory on platforms without
// mmap support.
func Open(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &Mapping{data: data}, nil
}
