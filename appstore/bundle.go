package appstore

import (
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/jobdeck/jobdeck/model"
	"github.com/jobdeck/jobdeck/pkg/errors"
)

// ManifestFileName is the manifest every application bundle must carry.
const ManifestFileName = "jobdeck.yaml"

// Manifest describes an application bundle directory.
type Manifest struct {
	Name       string            `yaml:"name"`
	Entrypoint string            `yaml:"entrypoint"`
	Params     []model.ParamSpec `yaml:"params"`
}

// LoadBundle reads an application bundle from dir: a jobdeck.yaml manifest
// plus the template files it sits next to. The returned application has no
// id or version yet; Store.Put assigns them.
func LoadBundle(fs afero.Fs, dir string) (*model.Application, error) {
	manifestBytes, err := afero.ReadFile(fs, filepath.Join(dir, ManifestFileName))
	if err != nil {
		return nil, errors.Wrap(errors.ErrBadBundle, err, "manifest unreadable")
	}

	var manifest Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, errors.Wrap(errors.ErrBadBundle, err, "manifest unparsable")
	}
	if manifest.Name == "" {
		return nil, errors.ErrBadBundle.GenWithStackByArgs("manifest has no name")
	}
	if manifest.Entrypoint == "" {
		return nil, errors.ErrBadBundle.GenWithStackByArgs("manifest has no entrypoint")
	}

	files := make(map[string]string)
	err = afero.Walk(fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == ManifestFileName {
			return nil
		}
		content, err := afero.ReadFile(fs, path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(content)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrBadBundle, err, "walking bundle files")
	}

	if _, ok := files[manifest.Entrypoint]; !ok {
		return nil, errors.ErrBadBundle.GenWithStackByArgs(
			"entrypoint " + manifest.Entrypoint + " missing from bundle")
	}

	return &model.Application{
		Name: manifest.Name,
		Template: model.TemplateSource{
			Entrypoint: manifest.Entrypoint,
			Files:      files,
		},
		Schema: manifest.Params,
	}, nil
}
