package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

// ReadShard pairs image and .cls members of one shard by key. Members of
// other types are skipped.
func ReadShard(ctx context.Context, path string, pendingCap int) ([]Sample, error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shard: %w", err)
	}
	defer f.Close()

	tr := tar.NewReader(bufio.NewReader(f))
	pending := make(map[string]*partial)
	var samples []Sample

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}
		if hdr.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(hdr.Name)
		ext := strings.ToLower(filepath.Ext(name))
		key := strings.TrimSuffix(name, filepath.Ext(name))

		switch ext {
		case ".jpg", ".jpeg", ".png":
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read image %s: %w", name, err)
			}
			pendingFor(pending, key).image = data
		case ".cls":
			payload, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read label %s: %w", name, err)
			}
			label, err := strconv.Atoi(strings.TrimSpace(string(payload)))
			if err != nil {
				return nil, fmt.Errorf("parse label %s: %w", name, err)
			}
			pendingFor(pending, key).label = &label
		default:
			continue
		}

		if len(pending) > pendingCap {
			return nil, ErrPendingOverflow
		}

		if part := pending[key]; part.ready() {
			samples = append(samples, Sample{Key: key, Raw: part.image, Label: *part.label})
			delete(pending, key)
		}
	}

	if len(pending) > 0 {
		return nil, fmt.Errorf("%s: %d samples incomplete", path, len(pending))
	}
	return samples, nil
}

type partial struct {
	image []byte
	label *int
}

func pendingFor(pending map[string]*partial, key string) *partial {
	part := pending[key]
	if part == nil {
		part = &partial{}
		pending[key] = part
	}
	return part
}

func (p *partial) ready() bool {
	return len(p.image) > 0 && p.label != nil
}
