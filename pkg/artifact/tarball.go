package artifact

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/ulikunitz/xz"
)

// ArchiveTarball walks srcDir, writes an xz-compressed tar with a unique
// name "<prefix><uuid>.tar.xz", uploads it to store, and returns the
// filename plus its content SHA-256.
func ArchiveTarball(ctx context.Context, store Store, prefix, srcDir string) (filename, sha string, err error) {
	var buf bytes.Buffer
	xw, err := xz.NewWriter(&buf)
	if err != nil {
		return "", "", fmt.Errorf("create xz writer: %w", err)
	}
	tw := tar.NewWriter(xw)

	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		return "", "", fmt.Errorf("walk %s: %w", srcDir, walkErr)
	}

	if err := tw.Close(); err != nil {
		return "", "", fmt.Errorf("close tar writer: %w", err)
	}
	if err := xw.Close(); err != nil {
		return "", "", fmt.Errorf("close xz writer: %w", err)
	}

	filename = fmt.Sprintf("%s%s.tar.xz", prefix, uuid.NewString())
	sha, err = store.Put(ctx, buf.Bytes())
	if err != nil {
		return "", "", fmt.Errorf("upload tarball %s: %w", filename, err)
	}
	return filename, sha, nil
}
