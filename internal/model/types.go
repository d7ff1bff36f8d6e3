package model

// Metadata is stored in a JSON file next to the ONNX weights
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`  // eg [1, 3, 640, 640]
	OutputShape []int64  `json:"output_shape"` // eg [1, 4+len(classes), 8400]
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	InputName   string   `json:"input_name"`  // defaults to "images"
	OutputName  string   `json:"output_name"` // defaults to "output0"
}

// Detection is a single object found by the model.
// Box is in pixel coordinates of the original image.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
	Box        Rect    `json:"box"`
}

// Prediction is the dominant detection of an image
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
}

// Returned when an image produces no detections
const UnknownLabel = "Unknown"

const DefaultProbabilityThreshold = 0.25
const DefaultNmsIouThreshold = 0.45

// Images with more pixels than this are rejected before decoding
const DefaultMaxImagePixels = 50_000_000

// DetectionParams control how raw model output is turned into detections
type DetectionParams struct {
	ProbabilityThreshold float32 // Zero value will use the default
	NmsIouThreshold      float32 // Zero value will use the default
	MaxImagePixels       int     // Zero value will use the default
}

func NewDetectionParams() DetectionParams {
	return DetectionParams{
		ProbabilityThreshold: DefaultProbabilityThreshold,
		NmsIouThreshold:      DefaultNmsIouThreshold,
		MaxImagePixels:       DefaultMaxImagePixels,
	}
}

func (p DetectionParams) withDefaults() DetectionParams {
	if p.ProbabilityThreshold <= 0 {
		p.ProbabilityThreshold = DefaultProbabilityThreshold
	}
	if p.NmsIouThreshold <= 0 {
		p.NmsIouThreshold = DefaultNmsIouThreshold
	}
	if p.MaxImagePixels <= 0 {
		p.MaxImagePixels = DefaultMaxImagePixels
	}
	return p
}

// PredictionResponse is the body of a successful POST /predict
type PredictionResponse struct {
	Success    bool    `json:"success"`
	Condition  string  `json:"condition"`
	Confidence float32 `json:"confidence"`
	Address    string  `json:"address"`
}
