package util

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// CreateBundle zips files, sorted by name, into output.
func CreateBundle(files []string, output string) (err error) {
	if len(files) == 0 {
		return fmt.Errorf("bundle %s: no files", output)
	}

	tmp := output + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("bundle: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	z := zip.NewWriter(out)

	sorted := append([]string(nil), files...)
	sort.Strings(sorted)
	for _, file := range sorted {
		if err = addFileToZip(z, file); err != nil {
			_ = z.Close()
			_ = out.Close()
			return err
		}
	}

	if err = z.Close(); err != nil {
		_ = out.Close()
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, output)
}

func addFileToZip(z *zip.Writer, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = filepath.Base(file)
	header.Method = zip.Deflate

	w, err := z.CreateHeader(header)
	if err != nil {
		return err
	}

	_, err = io.Copy(w, f)
	return err
}

// WriteFileNew writes data to path without ever replacing an existing file.
// It fails with an error wrapping os.ErrExist when path is taken.
func WriteFileNew(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".novelgrab-*.part")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	// Link fails instead of replacing when another writer got there first.
	return os.Link(tmp.Name(), path)
}
