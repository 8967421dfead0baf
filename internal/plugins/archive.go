package plugins

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the plugin descriptor shipped inside the archive as
// plugin.json (or plugin.yaml).
type Manifest struct {
	Name string `json:"name" yaml:"name"`
	Main string `json:"main" yaml:"main"`
}

// Source is the unpacked plugin code: the manifest plus all files keyed by
// archive-relative path.
type Source struct {
	Manifest Manifest
	Files    map[string][]byte
}

// ExtractArchive unpacks a plugin archive (zip or tar.gz), strips a single
// shared top-level directory if present, and validates the manifest. Any
// structural problem is a permanent failure.
func ExtractArchive(data []byte) (*Source, error) {
	var (
		files map[string][]byte
		err   error
	)
	switch {
	case len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b:
		files, err = extractTarGz(data)
	case len(data) >= 2 && data[0] == 'P' && data[1] == 'K':
		files, err = extractZip(data)
	default:
		return nil, fmt.Errorf("archive is neither zip nor tar.gz")
	}
	if err != nil {
		return nil, err
	}

	files = stripRootDir(files)

	src := &Source{Files: files}
	if raw, ok := files["plugin.json"]; ok {
		if err := json.Unmarshal(raw, &src.Manifest); err != nil {
			return nil, fmt.Errorf("parse plugin.json: %w", err)
		}
	} else if raw, ok := files["plugin.yaml"]; ok {
		if err := yaml.Unmarshal(raw, &src.Manifest); err != nil {
			return nil, fmt.Errorf("parse plugin.yaml: %w", err)
		}
	} else {
		return nil, fmt.Errorf("archive has no plugin.json or plugin.yaml")
	}

	if src.Manifest.Main == "" {
		src.Manifest.Main = "index.js"
	}
	if _, ok := files[src.Manifest.Main]; !ok {
		return nil, fmt.Errorf("archive is missing main module %q", src.Manifest.Main)
	}
	return src, nil
}

func extractZip(data []byte) (map[string][]byte, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}

	files := make(map[string][]byte)
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open zip entry %s: %w", f.Name, err)
		}
		contents, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read zip entry %s: %w", f.Name, err)
		}
		files[path.Clean(f.Name)] = contents
	}
	return files, nil
}

func extractTarGz(data []byte) (map[string][]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		contents, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read tar entry %s: %w", hdr.Name, err)
		}
		files[path.Clean(hdr.Name)] = contents
	}
	return files, nil
}

// stripRootDir removes a single shared top-level directory, the layout
// GitHub archive downloads produce.
func stripRootDir(files map[string][]byte) map[string][]byte {
	var root string
	for name := range files {
		i := strings.IndexByte(name, '/')
		if i < 0 {
			return files
		}
		dir := name[:i+1]
		if root == "" {
			root = dir
		} else if dir != root {
			return files
		}
	}
	if root == "" {
		return files
	}

	stripped := make(map[string][]byte, len(files))
	for name, contents := range files {
		stripped[name[len(root):]] = contents
	}
	return stripped
}
