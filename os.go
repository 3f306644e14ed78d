package pgslot

import "os"

// OS represents the filesystem operations used by the slot registry. It
// exists so that tests can inject failures at specific points of the save
// and restore protocols. Production code uses internal.SystemOS.
type OS interface {
	Create(name string) (*os.File, error)
	Mkdir(path string, perm os.FileMode) error
	MkdirAll(path string, perm os.FileMode) error
	Open(name string) (*os.File, error)
	OpenFile(name string, flag int, perm os.FileMode) (*os.File, error)
	ReadDir(name string) ([]os.DirEntry, error)
	ReadFile(name string) ([]byte, error)
	Remove(name string) error
	RemoveAll(name string) error
	Rename(oldpath, newpath string) error
	Stat(name string) (os.FileInfo, error)
	WriteFile(name string, data []byte, perm os.FileMode) error
}
