package bundle

import (
	"archive/tar"
	"archive/zip"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"

	"fleet-server/internal/metrics"
	"fleet-server/internal/models"
	"fleet-server/internal/resolver"
)

const configFile = "config.yaml"

type Builder struct {
	now func() time.Time
}

func NewBuilder() *Builder {
	return &Builder{now: time.Now}
}

// Format names the archive container used for the target OS.
func Format(osType models.OsType) string {
	if osType == models.OsWindows {
		return "zip"
	}
	return "tar.gz"
}

// Write streams binary, config.yaml and the lifecycle scripts to w.
// Windows targets get a zip; everything else gets a gzip-compressed PAX tar.
func (b *Builder) Write(w io.Writer, res *resolver.Resource, binary io.Reader, config string) error {
	start := b.now()
	scripts, err := Scripts(res.OsType, res.FileName)
	if err != nil {
		return err
	}

	if res.OsType == models.OsWindows {
		err = b.writeZip(w, res.FileName, binary, config, scripts)
	} else {
		err = b.writeTarGz(w, res.FileName, binary, config, scripts)
	}
	if err == nil {
		metrics.BundleBuildDuration.WithLabelValues(Format(res.OsType)).Observe(time.Since(start).Seconds())
	}
	return err
}

func (b *Builder) writeZip(w io.Writer, binaryName string, binary io.Reader, config string, scripts []File) error {
	zw := zip.NewWriter(w)
	modified := b.now()

	entry, err := zw.CreateHeader(zipHeader(binaryName, 0o755, modified))
	if err != nil {
		return fmt.Errorf("zip entry %s: %w", binaryName, err)
	}
	if _, err := io.Copy(entry, binary); err != nil {
		return fmt.Errorf("zip copy %s: %w", binaryName, err)
	}

	files := append([]File{{Name: configFile, Content: []byte(config), Mode: 0o644}}, scripts...)
	for _, f := range files {
		entry, err := zw.CreateHeader(zipHeader(f.Name, os.FileMode(f.Mode), modified))
		if err != nil {
			return fmt.Errorf("zip entry %s: %w", f.Name, err)
		}
		if _, err := entry.Write(f.Content); err != nil {
			return fmt.Errorf("zip write %s: %w", f.Name, err)
		}
	}
	return zw.Close()
}

func zipHeader(name string, mode os.FileMode, modified time.Time) *zip.FileHeader {
	h := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: modified}
	h.SetMode(mode)
	return h
}

func (b *Builder) writeTarGz(w io.Writer, binaryName string, binary io.Reader, config string, scripts []File) error {
	// tar headers need the size up front, so the binary is spooled to disk first.
	spool, size, err := spoolToTemp(binary)
	if err != nil {
		return err
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	modified := b.now()

	if err := tw.WriteHeader(tarHeader(binaryName, size, 0o755, modified)); err != nil {
		return fmt.Errorf("tar header %s: %w", binaryName, err)
	}
	if _, err := io.Copy(tw, spool); err != nil {
		return fmt.Errorf("tar copy %s: %w", binaryName, err)
	}

	files := append([]File{{Name: configFile, Content: []byte(config), Mode: 0o644}}, scripts...)
	for _, f := range files {
		if err := tw.WriteHeader(tarHeader(f.Name, int64(len(f.Content)), f.Mode, modified)); err != nil {
			return fmt.Errorf("tar header %s: %w", f.Name, err)
		}
		if _, err := tw.Write(f.Content); err != nil {
			return fmt.Errorf("tar write %s: %w", f.Name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}
	return nil
}

func tarHeader(name string, size, mode int64, modified time.Time) *tar.Header {
	return &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     size,
		Mode:     mode,
		ModTime:  modified,
		Format:   tar.FormatPAX,
	}
}

func spoolToTemp(r io.Reader) (*os.File, int64, error) {
	f, err := os.CreateTemp("", "host-agent-*.bin")
	if err != nil {
		return nil, 0, fmt.Errorf("create spool file: %w", err)
	}
	size, err := io.Copy(f, r)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, 0, fmt.Errorf("spool binary: %w", err)
	}
	return f, size, nil
}
