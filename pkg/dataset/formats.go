package dataset

import (
	"encoding/json"
	"fmt"
	"time"
)

// FormatVersion is written into every document
const FormatVersion = "1.0"

// Names of the documents written when a run completes
const (
	MetadataFile              = "metadata.json"
	AnnotationDefinitionsFile = "annotation_definitions.json"
	MetricDefinitionsFile     = "metric_definitions.json"
	SensorDefinitionsFile     = "sensor_definitions.json"
	MetadataSubdir            = "metadata"
)

// CompletionFiles is the set of documents whose presence marks a finished run
var CompletionFiles = []string{
	MetadataFile,
	AnnotationDefinitionsFile,
	MetricDefinitionsFile,
	SensorDefinitionsFile,
}

// SequenceDirName returns the name of a sequence directory, eg "sequence.3"
func SequenceDirName(sequence int) string {
	return fmt.Sprintf("sequence.%v", sequence)
}

// StepFileName returns the name of a step document, eg "step12.frame_data.json"
func StepFileName(step int) string {
	return fmt.Sprintf("step%v.frame_data.json", step)
}

// ImageFileName returns the name of an image written alongside a step, eg "step12.rgb.jpg"
func ImageFileName(step int, channel, ext string) string {
	return fmt.Sprintf("step%v.%v.%v", step, channel, ext)
}

// FrameData is the document written for every step
type FrameData struct {
	Version   string        `json:"version"`
	Sequence  int           `json:"sequence"`
	Step      int           `json:"step"`
	Frame     int64         `json:"frame"`
	Timestamp float64       `json:"timestamp"` // Seconds since the start of the sequence
	Captures  []Capture     `json:"captures"`
	Metrics   []MetricValue `json:"metrics"`
}

// Capture is the output of one sensor on one step
type Capture struct {
	ID          string       `json:"id"`
	SensorID    string       `json:"sensorId"`
	Position    [3]float32   `json:"position"`
	Rotation    [9]float32   `json:"rotation"` // Row-major, world-from-sensor
	// An image that was not written has no entry, rather than an entry with a null filename.
	// Every ImageRef names a file that exists next to the step document.
	Images      []ImageRef   `json:"images,omitempty"`
	Annotations []Annotation `json:"annotations,omitempty"`
}

// ImageRef refers to an image file in the same directory as the step document
type ImageRef struct {
	Channel  string `json:"channel"`
	FileName string `json:"filename"`
	Format   string `json:"format"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// Annotation is a labeler's output. Values are opaque to the writer.
type Annotation struct {
	ID           string          `json:"id"`
	DefinitionID string          `json:"definitionId"`
	Values       json.RawMessage `json:"values,omitempty"`
}

// MetricValue is a metric's output. Values are opaque to the writer.
type MetricValue struct {
	ID           string `json:"id"`
	DefinitionID string `json:"definitionId"`
	SensorID     string `json:"sensorId,omitempty"`
	Values       any    `json:"values"`
}

// ReferencedFiles returns the names of every image referenced by the document
func (f *FrameData) ReferencedFiles() []string {
	var files []string
	for _, c := range f.Captures {
		for _, img := range c.Images {
			files = append(files, img.FileName)
		}
	}
	return files
}

type AnnotationDefinition struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Spec        any    `json:"spec,omitempty"`
}

type MetricDefinition struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Spec        any    `json:"spec,omitempty"`
}

type SensorDefinition struct {
	ID          string  `json:"id"`
	Modality    string  `json:"modality"`
	Description string  `json:"description"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	VerticalFOV float32 `json:"verticalFov"`
	Projection  string  `json:"projection"`
}

// Definitions are the documents that describe a finished run
type Definitions struct {
	Annotations []AnnotationDefinition
	Metrics     []MetricDefinition
	Sensors     []SensorDefinition
	Extra       map[string]any // Merged into metadata.json
}

type annotationDefinitionsDoc struct {
	Version     string                 `json:"version"`
	Definitions []AnnotationDefinition `json:"annotationDefinitions"`
}

type metricDefinitionsDoc struct {
	Version     string             `json:"version"`
	Definitions []MetricDefinition `json:"metricDefinitions"`
}

type sensorDefinitionsDoc struct {
	Version     string             `json:"version"`
	Definitions []SensorDefinition `json:"sensorDefinitions"`
}

// Metadata is the content of metadata.json
type Metadata struct {
	Version        string         `json:"version"`
	BaseName       string         `json:"baseName"`
	Directory      string         `json:"directory"`
	StartedAt      time.Time      `json:"startedAt"`
	CompletedAt    time.Time      `json:"completedAt"`
	TotalFrames    int64          `json:"totalFrames"`
	TotalSequences int            `json:"totalSequences"`
	ImageCount     int64          `json:"imageCount"`
	Resumed        bool           `json:"resumed"`
	Extra          map[string]any `json:"extra,omitempty"`
}
