// Package classifier implements the Framework Classifier (C5): inspect an
// archive's central directory and key manifests to label it with one of a
// closed set of framework kinds. Grounded on internal/deploy/builder.go's
// DetectProjectType, generalized from full project-type detection to the
// spec's narrower closed label set and archive-native (not per-file)
// input shape.
package classifier

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"apex-control-plane/internal/store"
)

var (
	ErrTooLarge       = errors.New("classifier: archive exceeds size bound")
	ErrTooManyEntries = errors.New("classifier: archive exceeds entry-count bound")
	ErrUnsafeEntry    = errors.New("classifier: archive contains an unsafe entry name")
)

const (
	maxCompressedBytes   = 50 * 1024 * 1024
	maxUncompressedBytes = 200 * 1024 * 1024
	maxEntries           = 1000
	maxManifestBytes     = 1 * 1024 * 1024
	maxEntryExpansion    = 100 * 1024 * 1024 // per-file expansion cap
)

// Result is the classifier's output (spec §4.5).
type Result struct {
	Framework             store.FrameworkLabel
	DetectedEntrypoint     string
	HasDependencyManifest  bool
	HasNodeManifest        bool
	FileList               []string
}

// entrypoints is the framework-default entry point table (spec §4.5 step 5).
var entrypoints = map[store.FrameworkLabel]string{
	store.FrameworkStreamlit: "app.py",
	store.FrameworkGradio:    "app.py",
	store.FrameworkFlask:     "app.py",
	store.FrameworkFastAPI:   "main.py",
	store.FrameworkExpress:   "index.js",
	store.FrameworkReact:     "index.html",
	store.FrameworkStatic:    "index.html",
	store.FrameworkNextJS:    "pages/index.tsx",
}

// nodePackage mirrors the fields of package.json the classifier inspects.
type nodePackage struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// Classify labels an uploaded archive. hint, if non-empty and in the
// closed set, short-circuits detection per spec §4.5 step 1.
func Classify(data []byte, hint string) (*Result, error) {
	if hinted, ok := asFrameworkLabel(hint); ok {
		return &Result{
			Framework:          hinted,
			DetectedEntrypoint: entrypoints[hinted],
		}, nil
	}

	if len(data) > maxCompressedBytes {
		return nil, ErrTooLarge
	}

	// zip.NewReader locates the end-of-central-directory record and reads
	// the central directory from there, never scanning local file headers
	// from the start of the payload.
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("classifier: open archive: %w", err)
	}

	if len(zr.File) > maxEntries {
		return nil, ErrTooManyEntries
	}

	var (
		uncompressedTotal uint64
		fileList          []string
		hasPy             bool
		hasIndexHTML      bool
		pythonManifest    []byte
		nodeManifest      []byte
	)

	for _, f := range zr.File {
		if err := validateEntryName(f.Name); err != nil {
			return nil, err
		}
		if f.UncompressedSize64 > maxEntryExpansion {
			return nil, ErrTooLarge
		}
		uncompressedTotal += f.UncompressedSize64
		if uncompressedTotal > maxUncompressedBytes {
			return nil, ErrTooLarge
		}

		fileList = append(fileList, f.Name)

		switch {
		case strings.HasSuffix(f.Name, ".py"):
			hasPy = true
		case f.Name == "index.html":
			hasIndexHTML = true
		case f.Name == "requirements.txt" && f.UncompressedSize64 <= maxManifestBytes:
			pythonManifest, _ = readZipEntry(f)
		case f.Name == "package.json" && f.UncompressedSize64 <= maxManifestBytes:
			nodeManifest, _ = readZipEntry(f)
		}
	}

	result := &Result{
		FileList:              fileList,
		HasDependencyManifest: pythonManifest != nil,
		HasNodeManifest:       nodeManifest != nil,
	}

	result.Framework = decide(nodeManifest, pythonManifest, hasPy, hasIndexHTML)
	result.DetectedEntrypoint = entrypoints[result.Framework]
	return result, nil
}

// decide applies the prioritized rule list of spec §4.5 step 4.
func decide(nodeManifest, pythonManifest []byte, hasPy, hasIndexHTML bool) store.FrameworkLabel {
	if nodeManifest != nil {
		var pkg nodePackage
		if err := json.Unmarshal(nodeManifest, &pkg); err == nil {
			deps := make(map[string]bool, len(pkg.Dependencies)+len(pkg.DevDependencies))
			for d := range pkg.Dependencies {
				deps[d] = true
			}
			for d := range pkg.DevDependencies {
				deps[d] = true
			}
			if deps["next"] {
				return store.FrameworkNextJS
			}
			if deps["react"] && (deps["vite"] || deps["react-scripts"] || deps["webpack"]) {
				return store.FrameworkReact
			}
			if deps["express"] {
				return store.FrameworkExpress
			}
		}
	}

	if pythonManifest != nil {
		reqs := strings.ToLower(string(pythonManifest))
		for _, label := range []store.FrameworkLabel{
			store.FrameworkStreamlit, store.FrameworkGradio, store.FrameworkFastAPI, store.FrameworkFlask,
		} {
			if strings.Contains(reqs, string(label)) {
				return label
			}
		}
	}

	if hasPy {
		return store.FrameworkStreamlit
	}

	if nodeManifest != nil {
		return store.FrameworkReact
	}

	if hasIndexHTML {
		return store.FrameworkStatic
	}

	return store.FrameworkStreamlit
}

func asFrameworkLabel(hint string) (store.FrameworkLabel, bool) {
	switch store.FrameworkLabel(hint) {
	case store.FrameworkStreamlit, store.FrameworkGradio, store.FrameworkFlask, store.FrameworkFastAPI,
		store.FrameworkReact, store.FrameworkNextJS, store.FrameworkExpress, store.FrameworkStatic:
		return store.FrameworkLabel(hint), true
	}
	return "", false
}

func validateEntryName(name string) error {
	if strings.Contains(name, "..") {
		return ErrUnsafeEntry
	}
	if strings.HasPrefix(name, "/") {
		return ErrUnsafeEntry
	}
	if strings.ContainsRune(name, 0) {
		return ErrUnsafeEntry
	}
	return nil
}

func readZipEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	buf := make([]byte, f.UncompressedSize64)
	if _, err := io.ReadFull(rc, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ExtractFiles reads every regular-file entry out of the archive's central
// directory, applying the same bounds and unsafe-name checks as Classify
// (spec §4.5's rejection rules apply to every use of the uploaded archive,
// not just classification). The build context (spec §4.6 step 2, "Extract")
// is the only other consumer, so this lives alongside Classify rather than
// in internal/orchestrator, which has no zip-parsing code of its own.
func ExtractFiles(data []byte) (map[string][]byte, error) {
	if len(data) > maxCompressedBytes {
		return nil, ErrTooLarge
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("classifier: open archive: %w", err)
	}
	if len(zr.File) > maxEntries {
		return nil, ErrTooManyEntries
	}

	var uncompressedTotal uint64
	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, "/") {
			continue // directory entry, nothing to extract
		}
		if err := validateEntryName(f.Name); err != nil {
			return nil, err
		}
		if f.UncompressedSize64 > maxEntryExpansion {
			return nil, ErrTooLarge
		}
		uncompressedTotal += f.UncompressedSize64
		if uncompressedTotal > maxUncompressedBytes {
			return nil, ErrTooLarge
		}
		content, err := readZipEntry(f)
		if err != nil {
			return nil, fmt.Errorf("classifier: extract %s: %w", f.Name, err)
		}
		files[f.Name] = content
	}
	return files, nil
}
