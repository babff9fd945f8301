// Package asmcall provides the raw-address call primitives the loader
// needs: Call0/Call1 to invoke IRELATIVE/IFUNC resolver functions (spec
// §4.4, §4.3 item 5) that live inside a mapped image rather than being
// ordinary Go functions, and Exec to hand off to a program's entry point. There is no Go-level calling convention for
// "call whatever machine code lives at this runtime-computed address",
// so this is the one place the loader drops to a tiny hand-written
// System V AMD64 trampoline -- the teacher (xyproto/flapc) does the
// mirror image of this throughout its codegen files (emitting machine
// code that will itself be called per the same ABI), so the calling
// convention assumed here (integer args in DI,SI,DX,CX,R8,R9; result in
// AX) is the same one the teacher's own code generator targets.
package asmcall

// Call0 invokes the function at addr with no arguments and returns its
// %rax result, per the x86-64 System V ABI (spec §6's psABI reference).
// Used for IRELATIVE/IFUNC resolvers, which glibc's own ABI defines as
// taking no arguments (historically a hwcap argument on some
// platforms; x86-64 resolvers are conventionally niladic).
func Call0(addr uintptr) uintptr

// Call1 invokes the function at addr with one integer argument in %rdi.
func Call1(addr uintptr, a0 uintptr) uintptr

// Exec sets %rsp to sp and jumps (not calls) to entry, handing off
// control exactly the way the kernel's own ELF loader does at process
// start: no return address is pushed, and entry is expected to read
// argc/argv/envp/auxv off the stack at sp per the System V AMD64 ABI,
// not from registers. entry's own startup code eventually calls the
// exit/exit_group syscall and never returns -- spec §6's "exit code
// propagates the target program's exit code" falls out of that for
// free, since the syscall terminates this OS process directly.
func Exec(entry uintptr, sp uintptr)
