// Package dataset acquires labeled YOLO datasets, from the hosting API or synthesized locally,
// and checks them before training.
package dataset

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// DataConfigFile is the name of the dataset descriptor inside a dataset directory.
const DataConfigFile = "data.yaml"

// Splits are the dataset splits in the order they are laid out on disk.
var Splits = []string{"train", "valid", "test"}

// ErrDataConfigNotFound is returned when data.yaml is missing.
var ErrDataConfigNotFound = errors.New("dataset config not found")

// DefaultClasses are the dishes the synthetic dataset is built from.
var DefaultClasses = []string{
	"nasi_lemak",
	"roti_canai",
	"char_kway_teow",
	"hokkien_mee",
	"bak_kut_teh",
	"curry_laksa",
	"satay",
	"wantan_mee",
}

// Names are the class names of a dataset, indexed by class id. In data.yaml they may be written
// as a list or as an id -> name map.
type Names []string

// UnmarshalYAML accepts both the list and the map form.
func (n *Names) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*n = list
		return nil
	case yaml.MappingNode:
		var byID map[int]string
		if err := node.Decode(&byID); err != nil {
			return err
		}
		ids := lo.Keys(byID)
		sort.Ints(ids)
		out := make([]string, 0, len(ids))
		for i, id := range ids {
			if id != i {
				return errors.Errorf("class ids must be contiguous from 0, missing %d", i)
			}
			out = append(out, byID[id])
		}
		*n = out
		return nil
	default:
		return errors.Errorf("names must be a list or a map, got %s", node.Tag)
	}
}

// DataConfig is the content of data.yaml.
type DataConfig struct {
	Path  string `yaml:"path"`
	Train string `yaml:"train"`
	Val   string `yaml:"val"`
	Test  string `yaml:"test,omitempty"`
	NC    int    `yaml:"nc"`
	Names Names  `yaml:"names"`
}

// Validate checks that the class count matches the names.
func (cfg *DataConfig) Validate() error {
	if len(cfg.Names) == 0 {
		return errors.New("names must not be empty")
	}
	if cfg.NC != len(cfg.Names) {
		return errors.Errorf("nc is %d but %d names are listed", cfg.NC, len(cfg.Names))
	}
	if dupes := lo.FindDuplicates(cfg.Names); len(dupes) > 0 {
		return errors.Errorf("duplicate class names: %v", dupes)
	}
	return nil
}

// Root is the directory split paths are relative to: Path when set, otherwise the directory
// holding data.yaml.
func (cfg *DataConfig) Root(configPath string) string {
	if cfg.Path != "" {
		if filepath.IsAbs(cfg.Path) {
			return cfg.Path
		}
		return filepath.Join(filepath.Dir(configPath), cfg.Path)
	}
	return filepath.Dir(configPath)
}

// SplitImages resolves the image directory of a split ("train", "valid" or "test"). Exports that
// write "../train/images" are resolved next to data.yaml.
func (cfg *DataConfig) SplitImages(configPath, split string) string {
	var rel string
	switch split {
	case "train":
		rel = cfg.Train
	case "valid", "val":
		rel = cfg.Val
	case "test":
		rel = cfg.Test
	}
	if rel == "" {
		return ""
	}
	if filepath.IsAbs(rel) {
		return rel
	}
	root := cfg.Root(configPath)
	if candidate := filepath.Join(root, rel); dirExists(candidate) {
		return candidate
	}
	// Roboflow exports prefix splits with "../" relative to a nested path.
	if candidate := filepath.Join(root, filepath.Base(filepath.Dir(rel)), filepath.Base(rel)); dirExists(candidate) {
		return candidate
	}
	return filepath.Join(root, rel)
}

// RequireDataConfig returns ErrDataConfigNotFound naming the path when data.yaml is missing.
func RequireDataConfig(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return errors.Wrapf(ErrDataConfigNotFound, "%s does not exist", path)
	}
	if err != nil {
		return errors.Wrapf(err, "could not stat %s", path)
	}
	if info.IsDir() {
		return errors.Errorf("%s is a directory, expected %s", path, DataConfigFile)
	}
	return nil
}

// ReadDataConfig reads and validates a data.yaml file.
func ReadDataConfig(path string) (*DataConfig, error) {
	if err := RequireDataConfig(path); err != nil {
		return nil, err
	}
	//nolint:gosec
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read %s", path)
	}
	var cfg DataConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrapf(err, "could not parse %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid %s", path)
	}
	return &cfg, nil
}

// WriteDataConfig writes cfg to path.
func WriteDataConfig(path string, cfg *DataConfig) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return errors.Wrapf(os.WriteFile(path, raw, 0o600), "could not write %s", path)
}

// FindDataConfig returns the shallowest data.yaml under root.
func FindDataConfig(root string) (string, error) {
	direct := filepath.Join(root, DataConfigFile)
	if _, err := os.Stat(direct); err == nil {
		return direct, nil
	}
	var found string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != DataConfigFile {
			return nil
		}
		if found == "" || depth(path) < depth(found) {
			found = path
		}
		return nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "could not search %s", root)
	}
	if found == "" {
		return "", errors.Wrapf(ErrDataConfigNotFound, "%s does not exist", direct)
	}
	return found, nil
}

func depth(path string) int {
	return strings.Count(filepath.Clean(path), string(filepath.Separator))
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
