package packager

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"time"

	"model-orchestrator/core/models"

	"emperror.dev/errors"
)

// EntryExtension is the extension every archive entry gets, whatever the source file was
const EntryExtension = ".jpg"

// archiveEpoch is stamped on every entry so identical input yields identical bytes
var archiveEpoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// EntryName returns the archive filename for the asset at the given 1-based position.
// The single leading zero is literal: position 12 becomes "-012".
func EntryName(modelName string, position int) string {
	return fmt.Sprintf("%s-0%d%s", modelName, position, EntryExtension)
}

// ArchiveFilename is the name the packaged archive is stored under
func ArchiveFilename(modelName string) string {
	return modelName + ".zip"
}

// Package bundles the assets into a zip archive, renaming each one from its
// position and the model name. Original bytes are copied unmodified. Any
// failure to read an asset aborts packaging and no archive is returned.
func Package(modelName string, assets []models.TrainingAsset) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for i, asset := range assets {
		name := EntryName(modelName, i+1)
		if err := addEntry(zw, name, asset); err != nil {
			_ = zw.Close()
			return nil, errors.WrapWithDetails(err, "failed to package asset", "position", i+1, "source", asset.Filename)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to finalize archive")
	}

	return buf.Bytes(), nil
}

func addEntry(zw *zip.Writer, name string, asset models.TrainingAsset) error {
	if asset.Open == nil {
		return errors.New("asset has no content")
	}

	src, err := asset.Open()
	if err != nil {
		return errors.Wrap(err, "failed to open asset")
	}
	defer src.Close()

	// Images are already compressed; store them as-is.
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Store,
		Modified: archiveEpoch,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create archive entry")
	}

	if _, err := io.Copy(w, src); err != nil {
		return errors.Wrap(err, "failed to read asset")
	}
	return nil
}

// FileAssets builds assets from local file paths, keeping their order
func FileAssets(paths []string) []models.TrainingAsset {
	assets := make([]models.TrainingAsset, 0, len(paths))
	for _, p := range paths {
		path := p
		assets = append(assets, models.TrainingAsset{
			Filename: filepath.Base(path),
			Open: func() (io.ReadCloser, error) {
				return os.Open(path)
			},
		})
	}
	return assets
}

// MultipartAssets builds assets from uploaded form files, keeping their order
func MultipartAssets(headers []*multipart.FileHeader) []models.TrainingAsset {
	assets := make([]models.TrainingAsset, 0, len(headers))
	for _, h := range headers {
		header := h
		assets = append(assets, models.TrainingAsset{
			Filename: header.Filename,
			Open: func() (io.ReadCloser, error) {
				return header.Open()
			},
		})
	}
	return assets
}
