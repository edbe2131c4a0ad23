package main

import "sdx/kernel/kmain"

var (
	multibootInfoPtr uintptr
	kernelStartAddr  uintptr
	kernelEndAddr    uintptr
	kernelPageOffset uintptr
)

// main makes a dummy call to the actual kernel main entrypoint function. It
// is intentionally defined to prevent the Go compiler from optimizing away
// the real kernel code.
//
// Global variables are passed as arguments to Kmain to prevent the compiler
// from inlining the call and dropping Kmain from the generated object file;
// the rt0 assembly trampoline overwrites these values with the ones the
// bootloader and linker script actually provide before jumping here.
func main() {
	kmain.Kmain(multibootInfoPtr, kernelStartAddr, kernelEndAddr, kernelPageOffset)
}
