package sandbox

import (
	"io"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
)

// mkfifo creates a named pipe at path.
func mkfifo(path string) error {
	return syscall.Mkfifo(path, 0666)
}

// ChownTree recursively chowns dir to serviceUser, tolerating a missing or
// unresolvable user by leaving ownership unchanged (e.g. in test sandboxes
// run without privileges). Exported so the Pool Manager can apply it to the
// top-level workers/pool roots, not just per-slot directories.
func ChownTree(dir, serviceUser string) error {
	if serviceUser == "" {
		return nil
	}
	u, err := user.Lookup(serviceUser)
	if err != nil {
		return nil
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil
	}

	return filepath.Walk(dir, func(path string, _ os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return os.Chown(path, uid, gid)
	})
}

// copyFile copies src to dst, creating dst's parent directory if needed.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0755)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// numCPU returns the host's logical CPU count, used as N_CPU in the
// CPU-percent formula.
func numCPU() int {
	return runtime.NumCPU()
}
