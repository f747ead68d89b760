//go:build !cgo

package main

// main mirrors the no-op entry point in ffi.go so the package still links
// when cgo is disabled; the FFI exports are only available with cgo.
func main() {}
