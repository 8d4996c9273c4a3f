package objectdetection

import (
	"context"
	"image"

	"github.com/pkg/errors"
)

// Detector returns the detections found in an image.
type Detector func(context.Context, image.Image) ([]Detection, error)

// Build zips up a detector and its postprocessors into one detector.
func Build(det Detector, pps ...Postprocessor) (Detector, error) {
	if det == nil {
		return nil, errors.New("object detection pipeline must have a Detector")
	}
	post := Chain(pps...)
	return func(ctx context.Context, img image.Image) ([]Detection, error) {
		dets, err := det(ctx, img)
		if err != nil {
			return nil, err
		}
		return post(dets), nil
	}, nil
}
