package objectdetection

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestBuildFunc(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 400, 400))
	_, err := Build(nil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "must have a Detector")

	det := func(context.Context, image.Image) ([]Detection, error) {
		return nil, errors.New("detector error")
	}
	ctx := context.Background()
	pipeline, err := Build(det)
	test.That(t, err, test.ShouldBeNil)
	_, err = pipeline(ctx, img)
	test.That(t, err.Error(), test.ShouldEqual, "detector error")

	det = func(context.Context, image.Image) ([]Detection, error) {
		return []Detection{NewDetection(Box{0, 0, 10, 10}, 0.9, "satay")}, nil
	}
	pipeline, err = Build(det)
	test.That(t, err, test.ShouldBeNil)
	res, err := pipeline(ctx, img)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res, test.ShouldHaveLength, 1)

	pipeline, err = Build(det, NewScoreFilter(0.95))
	test.That(t, err, test.ShouldBeNil)
	res, err = pipeline(ctx, img)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res, test.ShouldHaveLength, 0)
}

func TestBoxGeometry(t *testing.T) {
	b := Box{X1: 10, Y1: 20, X2: 110, Y2: 70}
	test.That(t, b.Width(), test.ShouldEqual, 100.0)
	test.That(t, b.Height(), test.ShouldEqual, 50.0)
	test.That(t, b.Area(), test.ShouldEqual, 5000.0)
	test.That(t, b.XYWH(), test.ShouldResemble, [4]float64{10, 20, 100, 50})
	test.That(t, Box{X1: 5, Y1: 5, X2: 1, Y2: 1}.Area(), test.ShouldEqual, 0.0)

	test.That(t, IoU(b, b), test.ShouldEqual, 1.0)
	test.That(t, IoU(b, Box{X1: 200, Y1: 200, X2: 300, Y2: 300}), test.ShouldEqual, 0.0)
	half := Box{X1: 60, Y1: 20, X2: 160, Y2: 70}
	test.That(t, IoU(b, half), test.ShouldAlmostEqual, 2500.0/7500.0)

	d := NewDetection(Box{X1: 1.2, Y1: 2.7, X2: 9.1, Y2: 9.9}, 0.5, "satay")
	test.That(t, *d.BoundingBox(), test.ShouldResemble, image.Rect(1, 2, 10, 10))
}

func TestPostprocessors(t *testing.T) {
	dets := []Detection{
		NewDetection(Box{0, 0, 100, 100}, 0.9, "nasi_lemak"),
		NewDetection(Box{5, 5, 105, 105}, 0.8, "nasi_lemak"),
		NewDetection(Box{5, 5, 105, 105}, 0.7, "satay"),
		NewDetection(Box{300, 300, 310, 310}, 0.3, "nasi_lemak"),
	}

	nms := NewNMS(0.45)(dets)
	test.That(t, nms, test.ShouldHaveLength, 3)
	test.That(t, nms[0].Score(), test.ShouldEqual, 0.9)
	test.That(t, nms[1].Label(), test.ShouldEqual, "satay")

	test.That(t, NewScoreFilter(0.75)(dets), test.ShouldHaveLength, 2)
	test.That(t, NewAreaFilter(1000)(dets), test.ShouldHaveLength, 3)
	test.That(t, NewLabelFilter([]string{"satay"})(dets), test.ShouldHaveLength, 1)
	test.That(t, NewLabelFilter(nil)(dets), test.ShouldHaveLength, 4)

	top := NewTopK(2)(dets)
	test.That(t, top, test.ShouldHaveLength, 2)
	test.That(t, top[1].Score(), test.ShouldEqual, 0.8)

	chained := Chain(NewScoreFilter(0.25), NewNMS(0.45), NewTopK(1))(dets)
	test.That(t, chained, test.ShouldHaveLength, 1)
	test.That(t, chained[0].Label(), test.ShouldEqual, "nasi_lemak")
}

func TestWriteResponse(t *testing.T) {
	dets := []Detection{
		NewDetection(Box{X1: 10, Y1: 20, X2: 50, Y2: 80}, 0.91, "roti_canai"),
		NewDetection(Box{X1: 0, Y1: 0, X2: 5, Y2: 5}, 0.3, "satay"),
	}
	var buf bytes.Buffer
	test.That(t, WriteResponse(&buf, dets), test.ShouldBeNil)

	var out struct {
		Success    bool `json:"success"`
		Detections []struct {
			Class      string    `json:"class"`
			Confidence float64   `json:"confidence"`
			BBox       []float64 `json:"bbox"`
		} `json:"detections"`
	}
	test.That(t, json.Unmarshal(buf.Bytes(), &out), test.ShouldBeNil)
	test.That(t, out.Success, test.ShouldBeTrue)
	test.That(t, out.Detections, test.ShouldHaveLength, 2)
	test.That(t, out.Detections[0].Class, test.ShouldEqual, "roti_canai")
	test.That(t, out.Detections[0].Confidence, test.ShouldEqual, 0.91)
	test.That(t, out.Detections[0].BBox, test.ShouldResemble, []float64{10, 20, 40, 60})

	buf.Reset()
	test.That(t, WriteResponse(&buf, nil), test.ShouldBeNil)
	test.That(t, buf.String(), test.ShouldEqual, `{"success":true,"detections":[]}`+"\n")
}

func TestWriteError(t *testing.T) {
	var buf bytes.Buffer
	test.That(t, WriteError(&buf, errors.New("model.onnx does not exist")), test.ShouldBeNil)
	test.That(t, buf.String(), test.ShouldEqual, `{"success":false,"error":"model.onnx does not exist"}`+"\n")

	var out map[string]any
	test.That(t, json.Unmarshal(buf.Bytes(), &out), test.ShouldBeNil)
	test.That(t, out, test.ShouldHaveLength, 2)
}
