package gen

import (
	"os"
	"os/exec"
)

var (
	commonCCompilers   = []string{"clang", "gcc", "icx", "icc", "tcc", "cl"}
	commonCxxCompilers = []string{"clang++", "g++", "clang", "gcc", "icpx", "icx", "icpc", "icc", "cl"}
)

// FindCompilers returns the C and C++ drivers to use. Explicit values win,
// then $CC and $CXX, then the first known compiler found on $PATH.
func FindCompilers(cc, cxx string) (string, string) {
	if cc == "" {
		cc = findCompiler(false)
	}
	if cxx == "" {
		cxx = findCompiler(true)
	}
	return cc, cxx
}

// findCompiler attempts to find a suitable C or C++ compiler on the system
func findCompiler(needCxx bool) string {
	cc := os.Getenv("CC")
	cxx := os.Getenv("CXX")

	if needCxx && cxx != "" {
		return cxx
	}
	if !needCxx && cc != "" {
		return cc
	}

	compilersToTry := commonCCompilers
	if needCxx {
		compilersToTry = commonCxxCompilers
	}

	for _, compiler := range compilersToTry {
		path, err := exec.LookPath(compiler)
		if err == nil {
			return path
		}
	}

	// a C driver can still compile C++ when nothing better exists
	if cxx != "" {
		return cxx
	}
	return cc
}
