// Command mkfs builds a filesystem image for the kernel (spec.md §6),
// optionally populating it from a host skeleton directory — the
// image cmd/kernel's virtio driver mounts as ROOTDEV at boot.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"fs"
	"ufs"
)

// Default image layout, sized generously for a development image
// rather than tuned for a particular skeleton tree's size.
const (
	nLogBlocks   = 3 * 10
	nInodeBlocks = 200
	nDataBlocks  = 40000
	nTotalBlocks = 2 + nLogBlocks + nInodeBlocks + nDataBlocks/8/fs.BSIZE + nDataBlocks
)

func copydata(src string, f *ufs.Ufs_t, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	buf := make([]byte, fs.BSIZE)
	for {
		n, readErr := srcFile.Read(buf)
		if n > 0 {
			if e := f.Append(dst, buf[:n]); e != 0 {
				return fmt.Errorf("append %s: err %d", dst, e)
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

func addfiles(f *ufs.Ufs_t, skeldir string) error {
	return filepath.WalkDir(skeldir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(path, skeldir)
		if rel == "" {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if !strings.HasPrefix(rel, "/") {
			rel = "/" + rel
		}

		if d.IsDir() {
			if e := f.MkDir(rel); e != 0 {
				return fmt.Errorf("mkdir %s: err %d", rel, e)
			}
			return nil
		}
		if e := f.MkFile(rel, nil); e != 0 {
			return fmt.Errorf("mkfile %s: err %d", rel, e)
		}
		return copydata(path, f, rel)
	})
}

func run(image, skeldir string) error {
	u := ufs.MkDisk(image, nTotalBlocks, nInodeBlocks, nLogBlocks)
	defer u.Shutdown()

	if skeldir == "" {
		return nil
	}
	return addfiles(u, skeldir)
}

func main() {
	var skeldir string
	cmd := &cobra.Command{
		Use:   "mkfs <image>",
		Short: "build a kernel filesystem image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], skeldir)
		},
	}
	cmd.Flags().StringVar(&skeldir, "skel", "", "host directory tree to copy into the image")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
