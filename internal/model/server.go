package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Server owns the ONNX session of a YOLOv8 detection model.
// The session shares a single pair of input/output tensors, so Detect runs one image at a time.
type Server struct {
	Metadata Metadata

	params       DetectionParams
	mu           sync.Mutex
	closed       bool
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

var ErrClosed = errors.New("model server is closed")

// SetLibraryPath points ONNX Runtime at its shared library. Must be called before NewServer.
// If never called, onnxruntime_go falls back to its platform default.
func SetLibraryPath(path string) {
	if path != "" {
		ort.SetSharedLibraryPath(path)
	}
}

// LoadMetadata reads and validates the JSON file describing the model
func LoadMetadata(metadataPath string) (Metadata, error) {
	metaFile, err := os.ReadFile(metadataPath)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if metadata.InputName == "" {
		metadata.InputName = "images"
	}
	if metadata.OutputName == "" {
		metadata.OutputName = "output0"
	}
	if len(metadata.Classes) == 0 {
		return Metadata{}, errors.New("metadata has no classes")
	}
	if len(metadata.InputShape) != 4 || metadata.InputShape[1] != 3 {
		return Metadata{}, fmt.Errorf("expected input shape [N,3,H,W], got %v", metadata.InputShape)
	}
	if metadata.ImageSize == 0 {
		metadata.ImageSize = int(metadata.InputShape[3])
	}
	if int64(metadata.ImageSize) != metadata.InputShape[2] || int64(metadata.ImageSize) != metadata.InputShape[3] {
		return Metadata{}, fmt.Errorf("image_size %v does not match input shape %v", metadata.ImageSize, metadata.InputShape)
	}
	if len(metadata.OutputShape) != 3 || metadata.OutputShape[1] != int64(4+len(metadata.Classes)) {
		return Metadata{}, fmt.Errorf("expected output shape [N,%v,anchors], got %v", 4+len(metadata.Classes), metadata.OutputShape)
	}
	return metadata, nil
}

func NewServer(modelPath, metadataPath string, params DetectionParams) (*Server, error) {
	metadata, err := LoadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	inputShape := ort.NewShape(metadata.InputShape...)
	outputShape := ort.NewShape(metadata.OutputShape...)

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Server{
		Metadata:     metadata,
		params:       params.withDefaults(),
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func (s *Server) Classes() []string {
	return s.Metadata.Classes
}

// Detect runs the model on the image file at imagePath, and returns every object found,
// most confident first.
func (s *Server) Detect(imagePath string) ([]Detection, error) {
	img, err := loadImage(imagePath, s.params.MaxImagePixels)
	if err != nil {
		return nil, err
	}
	boxed, lb := letterboxImage(img, s.Metadata.ImageSize)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	toCHW(boxed, s.inputTensor.GetData())

	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	nAnchors := int(s.Metadata.OutputShape[2])
	return decodeYOLOv8(s.outputTensor.GetData(), nAnchors, s.Metadata.Classes, lb, s.params), nil
}

// Close waits for any running Detect to finish, then releases the session.
// Detect calls after Close return ErrClosed.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.session == nil {
		// never initialized the environment
		return
	}
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
	}
	s.session.Destroy()
	ort.DestroyEnvironment()
}
