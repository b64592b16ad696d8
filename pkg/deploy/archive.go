package deploy

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/clusterup/clusterup/pkg/cluster"
	"github.com/clusterup/clusterup/pkg/render"
)

// Archive installs by downloading a gzipped tarball and extracting it into
// the destination directory. The URL template may reference ${kind} and
// ${version}.
type Archive struct {
	// URLTemplate is the artifact location, e.g.
	// "https://archive.example.org/${kind}-${version}.tgz".
	URLTemplate string

	// StripComponents drops this many leading path elements from every
	// entry during extraction, matching tar --strip-components.
	StripComponents int

	// Client is the HTTP client used for downloads. Nil means a client
	// with a 10 minute timeout.
	Client *http.Client
}

// Deploy fetches and unpacks the tarball unless the destination already
// holds the requested artifact.
func (d *Archive) Deploy(ctx context.Context, req cluster.DeployRequest) (string, error) {
	dest := req.DestPath
	if req.InstallHint != "" {
		dest = req.InstallHint
	}
	if installed(dest, req) {
		return dest, nil
	}

	url, missing := render.Expand(d.URLTemplate, substitutions(req))
	if len(missing) > 0 {
		return "", fmt.Errorf("archive deploy of %s: unknown variables %s in URL template",
			req.Kind, strings.Join(missing, ", "))
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("archive deploy of %s: %w", req.Kind, err)
	}

	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("archive deploy of %s: %w", req.Kind, err)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("archive deploy of %s: fetch %s: %w", req.Kind, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("archive deploy of %s: fetch %s: status %s", req.Kind, url, resp.Status)
	}

	if err := d.extract(resp.Body, dest); err != nil {
		return "", fmt.Errorf("archive deploy of %s: %w", req.Kind, err)
	}
	if err := writeMarker(dest, req); err != nil {
		return "", fmt.Errorf("archive deploy of %s: %w", req.Kind, err)
	}
	return dest, nil
}

// extract unpacks a gzipped tar stream into dest, refusing entries that
// would escape it.
func (d *Archive) extract(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar stream: %w", err)
		}

		name := stripComponents(hdr.Name, d.StripComponents)
		if name == "" {
			continue
		}
		target := filepath.Join(dest, name)
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("tar entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil && !os.IsExist(err) {
				return err
			}
		default:
			// Hard links, devices and other entry types are not expected
			// in service release tarballs.
		}
	}
}

// stripComponents removes n leading path elements from a tar entry name.
func stripComponents(name string, n int) string {
	name = filepath.ToSlash(name)
	parts := strings.Split(strings.Trim(name, "/"), "/")
	if len(parts) <= n {
		return ""
	}
	return filepath.Join(parts[n:]...)
}
