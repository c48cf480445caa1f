package registry

import (
	"encoding/json"
	"strconv"

	"go.trai.ch/zb/internal/core/domain"
)

// formulaDTO is the subset of the formula JSON API that zb reads.
type formulaDTO struct {
	Name         string          `json:"name"`
	Versions     versionsDTO     `json:"versions"`
	Revision     int             `json:"revision"`
	Dependencies []string        `json:"dependencies"`
	KegOnly      json.RawMessage `json:"keg_only"`
	Bottle       bottleDTO       `json:"bottle"`
	URLs         *urlsDTO        `json:"urls"`
}

type versionsDTO struct {
	Stable string `json:"stable"`
}

type bottleDTO struct {
	Stable *bottleStableDTO `json:"stable"`
}

type bottleStableDTO struct {
	Files map[string]bottleFileDTO `json:"files"`
}

type bottleFileDTO struct {
	URL    string `json:"url"`
	SHA256 string `json:"sha256"`
}

type urlsDTO struct {
	Stable *sourceURLDTO `json:"stable"`
}

type sourceURLDTO struct {
	URL      string `json:"url"`
	Checksum string `json:"checksum"`
}

// kegOnly accepts true or a reason string as keg-only.
func (f *formulaDTO) kegOnly() bool {
	if len(f.KegOnly) == 0 {
		return false
	}
	var b bool
	if err := json.Unmarshal(f.KegOnly, &b); err == nil {
		return b
	}
	var reason string
	if err := json.Unmarshal(f.KegOnly, &reason); err == nil {
		return true
	}
	var obj map[string]any
	return json.Unmarshal(f.KegOnly, &obj) == nil && obj != nil
}

func (f *formulaDTO) version() string {
	if f.Revision > 0 {
		return f.Versions.Stable + "_" + strconv.Itoa(f.Revision)
	}
	return f.Versions.Stable
}

// toPackage converts the descriptor for the host, picking the first bottle
// that matches tags.
func (f *formulaDTO) toPackage(name string, tags []string) (*domain.Package, error) {
	pkg := &domain.Package{
		Name:         name,
		Version:      f.version(),
		Dependencies: f.Dependencies,
		KegOnly:      f.kegOnly() || domain.IsVersionedName(name),
	}

	if f.Bottle.Stable != nil {
		for _, tag := range tags {
			file, ok := f.Bottle.Stable.Files[tag]
			if !ok {
				continue
			}
			digest, err := domain.ParseDigest(file.SHA256)
			if err != nil {
				return nil, err
			}
			pkg.Bottle = &domain.Bottle{URL: file.URL, Digest: digest, Tag: tag}
			break
		}
	}

	if f.URLs != nil && f.URLs.Stable != nil && f.URLs.Stable.URL != "" {
		pkg.Source = &domain.Source{URL: f.URLs.Stable.URL, Checksum: f.URLs.Stable.Checksum}
	}
	return pkg, nil
}
