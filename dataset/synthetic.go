package dataset

import (
	"context"
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// SynthOptions shape a synthetic dataset.
type SynthOptions struct {
	// PerClass is the number of images per class and split; 1 when zero.
	PerClass int
	// ImageSize is the side of each square image in pixels; 64 when zero.
	ImageSize int
}

// Synthesize writes a tiny YOLO dataset under dir: for every split and class, solid background
// images with one class-colored box covering the center 80%, matching labels "{id} 0.5 0.5 0.8 0.8",
// and a data.yaml. It is for exercising the pipeline without network access, not for training
// a useful model.
func Synthesize(ctx context.Context, dir string, classes []string, opts SynthOptions) (*Downloaded, error) {
	if len(classes) == 0 {
		classes = DefaultClasses
	}
	classes = lo.Uniq(classes)
	if opts.PerClass <= 0 {
		opts.PerClass = 1
	}
	if opts.ImageSize <= 0 {
		opts.ImageSize = 64
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	for _, split := range Splits {
		imagesDir := filepath.Join(abs, split, "images")
		labelsDir := filepath.Join(abs, split, "labels")
		for _, d := range []string{imagesDir, labelsDir} {
			if err := os.MkdirAll(d, 0o750); err != nil {
				return nil, errors.Wrapf(err, "could not create %s", d)
			}
		}
		for i, class := range classes {
			for k := 0; k < opts.PerClass; k++ {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				stem := fmt.Sprintf("%s_sample_%d", class, i)
				if k > 0 {
					stem = fmt.Sprintf("%s_%d", stem, k)
				}
				if err := writeSample(filepath.Join(imagesDir, stem+".jpg"), i, opts.ImageSize); err != nil {
					return nil, err
				}
				label := fmt.Sprintf("%d 0.5 0.5 0.8 0.8\n", i)
				if err := os.WriteFile(filepath.Join(labelsDir, stem+".txt"), []byte(label), 0o600); err != nil {
					return nil, errors.Wrap(err, "could not write label")
				}
			}
		}
	}

	cfg := &DataConfig{
		Path:  abs,
		Train: "train/images",
		Val:   "valid/images",
		Test:  "test/images",
		NC:    len(classes),
		Names: classes,
	}
	configPath := filepath.Join(abs, DataConfigFile)
	if err := WriteDataConfig(configPath, cfg); err != nil {
		return nil, err
	}
	return &Downloaded{ID: "synthetic", Dir: abs, DataConfig: configPath}, nil
}

func writeSample(path string, class, size int) error {
	bg := imaging.New(size, size, color.NRGBA{R: 240, G: 236, B: 228, A: 255})
	side := size * 8 / 10
	fg := imaging.New(side, side, classColor(class))
	img := imaging.PasteCenter(bg, fg)
	return errors.Wrapf(imaging.Save(img, path, imaging.JPEGQuality(90)), "could not write %s", path)
}

func classColor(class int) color.NRGBA {
	return color.NRGBA{
		R: uint8(60 + 67*class),
		G: uint8(30 + 113*class),
		B: uint8(120 + 41*class),
		A: 255,
	}
}
