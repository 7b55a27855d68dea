package store

import (
	"io"
	"os"
	"path/filepath"

	"github.com/burstfs/metadb/util"
)

type (
	RawFS interface {
		CreateRawFile(name string) (RawFile, error)
		OpenRawFile(name string) (RawFile, error)
		Exist(name string) (bool, error)
		Remove(name string) error
		Path(name string) string
	}
	RawFile interface {
		Read(p []byte) (n int, err error)
		Write(p []byte) (n int, err error)
		Sync() error
		Close() error
	}
)

type posixRawFS struct {
	path string
}

func newPosixRawFS(path string) RawFS {
	return &posixRawFS{path: path}
}

func (r *posixRawFS) Path(name string) string {
	return filepath.Join(r.path, name)
}

// CreateRawFile truncates name, creating missing parent directories.
func (r *posixRawFS) CreateRawFile(name string) (RawFile, error) {
	filePath := r.Path(name)
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err == nil {
		return f, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	if err = os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filePath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
}

func (r *posixRawFS) OpenRawFile(name string) (RawFile, error) {
	return os.OpenFile(r.Path(name), os.O_RDONLY, 0o644)
}

func (r *posixRawFS) Exist(name string) (bool, error) {
	_, err := os.Stat(r.Path(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (r *posixRawFS) Remove(name string) error {
	return os.RemoveAll(r.Path(name))
}

// writeRawFile replaces name with data through a temporary file.
func writeRawFile(fs RawFS, name string, data []byte) error {
	tmp := name + ".tmp"
	f, err := fs.CreateRawFile(tmp)
	if err != nil {
		return err
	}
	if _, err = f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(fs.Path(tmp), fs.Path(name))
}

func readRawFile(fs RawFS, name string) ([]byte, error) {
	f, err := fs.OpenRawFile(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := util.GetBufferWriter(4 << 10)
	defer util.PutBufferWriter(buf)
	if _, err = io.Copy(buf, f); err != nil {
		return nil, err
	}
	return append([]byte(nil), buf.Bytes()...), nil
}
