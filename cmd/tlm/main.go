// Command tlm is a short alias for taskloom.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

func main() {
	bin, err := exec.LookPath("taskloom")
	if err != nil {
		fmt.Fprintln(os.Stderr, "tlm: taskloom not found on PATH")
		os.Exit(1)
	}
	if err := syscall.Exec(bin, append([]string{"taskloom"}, os.Args[1:]...), os.Environ()); err != nil {
		fmt.Fprintf(os.Stderr, "tlm: %v\n", err)
		os.Exit(1)
	}
}
