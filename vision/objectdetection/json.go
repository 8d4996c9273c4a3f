package objectdetection

import (
	"encoding/json"
	"io"
)

// JSONDetection is the wire form of one detection. BBox is [x, y, width, height] in source
// image pixels.
type JSONDetection struct {
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`
}

// ToJSON reshapes detections into their wire form, preserving order.
func ToJSON(dets []Detection) []JSONDetection {
	out := make([]JSONDetection, 0, len(dets))
	for _, d := range dets {
		out = append(out, JSONDetection{
			Class:      d.Label(),
			Confidence: d.Score(),
			BBox:       d.Box().XYWH(),
		})
	}
	return out
}

type successResponse struct {
	Success    bool            `json:"success"`
	Detections []JSONDetection `json:"detections"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// WriteResponse writes {"success": true, "detections": [...]} followed by a newline.
func WriteResponse(w io.Writer, dets []Detection) error {
	return json.NewEncoder(w).Encode(successResponse{Success: true, Detections: ToJSON(dets)})
}

// WriteError writes {"success": false, "error": "<message>"} followed by a newline.
func WriteError(w io.Writer, err error) error {
	return json.NewEncoder(w).Encode(errorResponse{Success: false, Error: err.Error()})
}
