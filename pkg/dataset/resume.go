package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cyclopcam/logs"
)

// ResumeOptions controls how thoroughly a previous run is checked before we resume it
type ResumeOptions struct {
	// Number of step documents per sequence that are parsed, and whose images are checked.
	// Zero checks every step.
	DeepValidateSteps int `json:"deepValidateSteps"`

	// Number of steps that a complete sequence holds. Zero means unknown, in which case
	// any contiguous run of steps starting at zero is accepted.
	StepsPerSequence int `json:"stepsPerSequence"`
}

func DefaultResumeOptions() ResumeOptions {
	return ResumeOptions{
		DeepValidateSteps: 10,
	}
}

// ResumePoint describes the state of a previous run on disk
type ResumePoint struct {
	Dir      string
	Finished bool // All completion documents exist. A finished run is never resumed.

	// Index of the last sequence that passed validation, or -1 if none did.
	// Writing resumes at LastCompleteSequence + 1.
	LastCompleteSequence int

	Frames int64 // Number of steps in the complete sequences
	Images int64 // Number of images in the complete sequences
}

// NextSequence returns the index of the first sequence that must be (re)written
func (r *ResumePoint) NextSequence() int {
	return r.LastCompleteSequence + 1
}

// IsFinished returns true if all of the completion documents exist in dir, or in dir/metadata
func IsFinished(dir string) bool {
	for _, sub := range []string{"", MetadataSubdir} {
		all := true
		for _, name := range CompletionFiles {
			if _, err := os.Stat(filepath.Join(dir, sub, name)); err != nil {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// FindResumePoint inspects the most recent run with the given base name.
// Returns nil if there is no previous run.
func FindResumePoint(log logs.Log, root, base string, limit int, options ResumeOptions) (*ResumePoint, error) {
	dir, err := MostRecentDirectory(root, base, limit)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return nil, nil
	}
	if IsFinished(dir) {
		return &ResumePoint{
			Dir:                  dir,
			Finished:             true,
			LastCompleteSequence: -1,
		}, nil
	}
	return ValidateRun(log, dir, options), nil
}

// ValidateRun walks the sequences of an unfinished run in increasing order, and stops at the
// first one that is missing or damaged. Damage is never an error. It just means that the
// sequence must be written again.
func ValidateRun(log logs.Log, dir string, options ResumeOptions) *ResumePoint {
	rp := &ResumePoint{
		Dir:                  dir,
		LastCompleteSequence: -1,
	}
	for i := 0; ; i++ {
		frames, images, err := validateSequence(filepath.Join(dir, SequenceDirName(i)), options)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) || i == 0 {
				log.Infof("Resume: %v is incomplete: %v", SequenceDirName(i), err)
			}
			break
		}
		rp.LastCompleteSequence = i
		rp.Frames += frames
		rp.Images += images
	}
	return rp
}

// Parse "step<N>.frame_data.json"
func parseStepFileName(name string) (int, bool) {
	s, ok := strings.CutPrefix(name, "step")
	if !ok {
		return 0, false
	}
	s, ok = strings.CutSuffix(s, ".frame_data.json")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || s != strconv.Itoa(n) {
		return 0, false
	}
	return n, true
}

// Returns the number of steps and images in the sequence, or the reason why it is incomplete
func validateSequence(seqDir string, options ResumeOptions) (steps, images int64, err error) {
	entries, err := os.ReadDir(seqDir)
	if err != nil {
		return 0, 0, err
	}
	var stepList []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := parseStepFileName(e.Name()); ok {
			stepList = append(stepList, n)
		} else if strings.HasPrefix(e.Name(), "step") && !strings.HasSuffix(e.Name(), ".tmp") {
			images++
		}
	}
	sort.Ints(stepList)
	for i, step := range stepList {
		if step != i {
			return 0, 0, fmt.Errorf("%v is missing", StepFileName(i))
		}
	}
	if len(stepList) == 0 {
		return 0, 0, fmt.Errorf("%v is missing", StepFileName(0))
	}
	if options.StepsPerSequence > 0 && len(stepList) != options.StepsPerSequence {
		return 0, 0, fmt.Errorf("has %v of %v steps", len(stepList), options.StepsPerSequence)
	}
	for _, step := range stepList {
		if options.DeepValidateSteps > 0 && step >= options.DeepValidateSteps {
			break
		}
		if err := validateStep(seqDir, step); err != nil {
			return 0, 0, err
		}
	}
	return int64(len(stepList)), images, nil
}

func validateStep(seqDir string, step int) error {
	name := StepFileName(step)
	raw, err := os.ReadFile(filepath.Join(seqDir, name))
	if err != nil {
		return err
	}
	var data FrameData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("%v is not valid: %w", name, err)
	}
	for _, ref := range data.ReferencedFiles() {
		if ref == "" || ref != filepath.Base(ref) {
			return fmt.Errorf("%v refers to invalid image '%v'", name, ref)
		}
		st, err := os.Stat(filepath.Join(seqDir, ref))
		if err != nil {
			return fmt.Errorf("%v refers to missing image %v", name, ref)
		}
		if st.Size() == 0 {
			return fmt.Errorf("%v refers to empty image %v", name, ref)
		}
	}
	return nil
}
