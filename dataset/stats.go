package dataset

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
)

var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".webp": true}

// SplitStats counts one split.
type SplitStats struct {
	Split  string `json:"split"`
	Images int    `json:"images"`
	Labels int    `json:"labels"`
	Bytes  int64  `json:"bytes"`
}

// Statistics describes a dataset on disk.
type Statistics struct {
	Dir         string         `json:"dir"`
	DataConfig  string         `json:"data_config"`
	Classes     []string       `json:"classes"`
	Splits      []SplitStats   `json:"splits"`
	TotalImages int            `json:"total_images"`
	TotalBytes  int64          `json:"total_bytes"`
	Size        string         `json:"size"`
	Instances   map[string]int `json:"instances"`
}

// Stats counts images, labels, bytes and labeled instances per class of the dataset under dir.
func Stats(dir string) (*Statistics, error) {
	configPath, err := FindDataConfig(dir)
	if err != nil {
		return nil, err
	}
	cfg, err := ReadDataConfig(configPath)
	if err != nil {
		return nil, err
	}

	st := &Statistics{
		Dir:        cfg.Root(configPath),
		DataConfig: configPath,
		Classes:    cfg.Names,
		Instances:  make(map[string]int, len(cfg.Names)),
	}
	for _, name := range cfg.Names {
		st.Instances[name] = 0
	}
	for _, split := range Splits {
		imagesDir := cfg.SplitImages(configPath, split)
		if imagesDir == "" || !dirExists(imagesDir) {
			continue
		}
		ss := SplitStats{Split: split}
		images, err := listImages(imagesDir)
		if err != nil {
			return nil, err
		}
		labelsDir := labelsDirFor(imagesDir)
		for _, img := range images {
			ss.Images++
			if info, err := os.Stat(img); err == nil {
				ss.Bytes += info.Size()
			}
			labelPath := labelPathFor(labelsDir, img)
			classes, err := labelClasses(labelPath)
			if os.IsNotExist(errors.Cause(err)) {
				continue
			}
			if err != nil {
				return nil, err
			}
			ss.Labels++
			for _, c := range classes {
				if c >= 0 && c < len(cfg.Names) {
					st.Instances[cfg.Names[c]]++
				}
			}
		}
		st.Splits = append(st.Splits, ss)
		st.TotalImages += ss.Images
		st.TotalBytes += ss.Bytes
	}
	st.Size = units.HumanSize(float64(st.TotalBytes))
	return st, nil
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "could not list %s", dir)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out, nil
}

// labelsDirFor maps .../split/images to .../split/labels.
func labelsDirFor(imagesDir string) string {
	if filepath.Base(imagesDir) == "images" {
		return filepath.Join(filepath.Dir(imagesDir), "labels")
	}
	return imagesDir
}

func labelPathFor(labelsDir, imagePath string) string {
	base := filepath.Base(imagePath)
	return filepath.Join(labelsDir, strings.TrimSuffix(base, filepath.Ext(base))+".txt")
}

// labelClasses returns the class id of every parsable line of a label file.
func labelClasses(path string) ([]int, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close() //nolint:errcheck

	var out []int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if c, err := strconv.Atoi(fields[0]); err == nil {
			out = append(out, c)
		}
	}
	return out, errors.Wrapf(scanner.Err(), "could not read %s", path)
}
