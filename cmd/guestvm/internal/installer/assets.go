// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package installer

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/AleutianAI/guestvm/cmd/guestvm/internal/util"
)

//go:embed oem
var oemFS embed.FS

// OEMDirName is the directory next to the specification file that the
// guest mounts at /oem and runs at the end of setup.
const OEMDirName = "oem"

// DefaultAssets returns the bundled guest support files, rooted so that
// paths are relative to the oem directory.
func DefaultAssets() fs.FS {
	sub, err := fs.Sub(oemFS, OEMDirName)
	if err != nil {
		panic(err)
	}
	return sub
}

// CopyAssets copies every file in src into dst, creating directories as
// needed and replacing existing files.
func CopyAssets(src fs.FS, dst string) (int, error) {
	copied := 0
	err := fs.WalkDir(src, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		target := filepath.Join(dst, filepath.FromSlash(path))
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := fs.ReadFile(src, path)
		if err != nil {
			return err
		}
		if err := util.WriteFileAtomic(target, data, 0o644); err != nil {
			return err
		}
		copied++
		return nil
	})
	if err != nil {
		return copied, fmt.Errorf("copy assets to %s: %w", dst, err)
	}
	return copied, nil
}
