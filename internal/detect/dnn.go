// internal/detect/dnn.go
package detect

import (
	"fmt"
	"image"
	"os"
	"strings"
	"sync"

	"gocv.io/x/gocv"

	"github.com/sua-org/gate-vision/internal/core"
)

const dnnConfThreshold = 0.5

// detectorClasses maps network class ids to names for the primary
// model.
var detectorClasses = []string{
	"no_dust_mask",
	"no_face_shield",
	"no_helmet",
	"no_protective_gloves",
	"no_safety_glasses",
	"no_safety_shoes",
	"no_vest_jacket",
	"helmet",
	"person",
	"person_smoking",
	"person_using_phone",
	"protective_gloves",
	"safety_glasses",
	"safety_shoes",
	"smoke",
	"sparks",
	"vest_jacket",
	"worker",
}

// RegisterBuiltins wires the OpenCV DNN backends into a registry.
func RegisterBuiltins(r *Registry) {
	r.RegisterDetector("dnn", func(modelPath, device string) (Detector, error) {
		return NewDNNDetector(modelPath, device)
	})
	r.RegisterClassifier("dnn", func(modelPath, device string) (Classifier, error) {
		return NewDNNClassifier(modelPath, device)
	})
}

// DNNDetector runs an SSD-style object detection network through the
// OpenCV DNN module. A single instance is shared across cameras, so
// inference is serialized on an internal lock.
type DNNDetector struct {
	mu  sync.Mutex
	net gocv.Net
}

func NewDNNDetector(modelPath, device string) (*DNNDetector, error) {
	net, err := loadNet(modelPath, device)
	if err != nil {
		return nil, err
	}
	return &DNNDetector{net: net}, nil
}

func (d *DNNDetector) Detect(frame core.Frame) ([]core.Detection, error) {
	if len(frame.Data) == 0 {
		return nil, nil
	}
	mat, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Data)
	if err != nil {
		return nil, fmt.Errorf("frame to mat: %w", err)
	}
	defer mat.Close()

	d.mu.Lock()
	defer d.mu.Unlock()

	blob := gocv.BlobFromImage(mat, 1.0/127.5, image.Pt(300, 300),
		gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	rows := output.Reshape(1, int(output.Total()/7))
	defer rows.Close()

	var out []core.Detection
	for i := 0; i < rows.Rows(); i++ {
		conf := rows.GetFloatAt(i, 2)
		if conf < dnnConfThreshold {
			continue
		}
		classID := int(rows.GetFloatAt(i, 1))
		box := core.BBox{
			X1: int(rows.GetFloatAt(i, 3) * float32(frame.Width)),
			Y1: int(rows.GetFloatAt(i, 4) * float32(frame.Height)),
			X2: int(rows.GetFloatAt(i, 5) * float32(frame.Width)),
			Y2: int(rows.GetFloatAt(i, 6) * float32(frame.Height)),
		}
		box = box.Clamp(frame.Width, frame.Height)
		if box.Area() == 0 {
			continue
		}
		out = append(out, core.Detection{
			Box:        box,
			Class:      className(classID),
			Confidence: float64(conf),
		})
	}
	return out, nil
}

func (d *DNNDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}

// DNNClassifier runs a classification network over track crops and
// returns every label above the confidence threshold.
type DNNClassifier struct {
	mu  sync.Mutex
	net gocv.Net
}

func NewDNNClassifier(modelPath, device string) (*DNNClassifier, error) {
	net, err := loadNet(modelPath, device)
	if err != nil {
		return nil, err
	}
	return &DNNClassifier{net: net}, nil
}

func (c *DNNClassifier) Classify(crop core.Frame) ([]Label, error) {
	if len(crop.Data) == 0 {
		return nil, fmt.Errorf("empty crop")
	}
	mat, err := gocv.NewMatFromBytes(crop.Height, crop.Width, gocv.MatTypeCV8UC3, crop.Data)
	if err != nil {
		return nil, fmt.Errorf("crop to mat: %w", err)
	}
	defer mat.Close()

	c.mu.Lock()
	defer c.mu.Unlock()

	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(224, 224),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	c.net.SetInput(blob, "")
	output := c.net.Forward("")
	defer output.Close()

	flat := output.Reshape(1, 1)
	defer flat.Close()

	var labels []Label
	for i := 0; i < flat.Cols(); i++ {
		conf := flat.GetFloatAt(0, i)
		if conf < dnnConfThreshold {
			continue
		}
		labels = append(labels, Label{
			Name:       className(i),
			Confidence: float64(conf),
		})
	}
	return labels, nil
}

func (c *DNNClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.net.Close()
}

func loadNet(modelPath, device string) (gocv.Net, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return gocv.Net{}, fmt.Errorf("%w: %s", ErrModelNotFound, modelPath)
	}

	net := gocv.ReadNet(modelPath, "")
	if net.Empty() {
		return gocv.Net{}, fmt.Errorf("load network %s: empty net", modelPath)
	}

	backend := gocv.NetBackendDefault
	target := gocv.NetTargetCPU
	if strings.EqualFold(device, "cuda") {
		backend = gocv.NetBackendCUDA
		target = gocv.NetTargetCUDA
	}
	if err := net.SetPreferableBackend(backend); err != nil {
		net.Close()
		return gocv.Net{}, fmt.Errorf("set backend: %w", err)
	}
	if err := net.SetPreferableTarget(target); err != nil {
		net.Close()
		return gocv.Net{}, fmt.Errorf("set target: %w", err)
	}
	return net, nil
}

func className(id int) string {
	if id >= 0 && id < len(detectorClasses) {
		return detectorClasses[id]
	}
	return fmt.Sprintf("class_%d", id)
}
