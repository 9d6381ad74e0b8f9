package client

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

type PathKind int

const (
	PathFile PathKind = iota
	PathDir
)

type ParsedPath struct {
	FullPath string
	Kind     PathKind
}

// LocalFile is a regular file queued for upload.
type LocalFile struct {
	Path string
	Name string
	Size int64
}

func ParseArgs(args []string) ([]ParsedPath, error) {
	if len(args) == 0 {
		return nil, &ValidationError{Arg: "<files>", Cause: "no files provided"}
	}

	var out []ParsedPath

	for _, raw := range args {
		p := filepath.Clean(raw)
		info, err := os.Stat(p)
		if err != nil {
			return nil, &ValidationError{Arg: raw, Cause: "not found or not accessible"}
		}

		kind := PathFile
		if info.IsDir() {
			kind = PathDir
		} else if !info.Mode().IsRegular() {
			return nil, &ValidationError{Arg: raw, Cause: "not a regular file"}
		}

		out = append(out, ParsedPath{FullPath: p, Kind: kind})
	}

	return out, nil
}

// CollectFiles expands directories into the regular files beneath them.
// Symlinks and other special files inside directories are skipped.
func CollectFiles(paths []ParsedPath) ([]LocalFile, error) {
	var files []LocalFile

	for _, parsed := range paths {
		if parsed.Kind == PathFile {
			info, err := os.Stat(parsed.FullPath)
			if err != nil {
				return nil, err
			}
			files = append(files, LocalFile{
				Path: parsed.FullPath,
				Name: filepath.Base(parsed.FullPath),
				Size: info.Size(),
			})
			continue
		}

		err := filepath.WalkDir(parsed.FullPath, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			files = append(files, LocalFile{Path: p, Name: d.Name(), Size: info.Size()})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", parsed.FullPath, err)
		}
	}

	if len(files) == 0 {
		return nil, &ValidationError{Arg: "<files>", Cause: "no regular files found"}
	}

	return files, nil
}
