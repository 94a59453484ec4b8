// Package section implements calibration sections and the manager that
// merges their gaze output into the session's gaze timeline.
//
// A Section calibrates against the reference points inside its calibration
// range and maps every pupil datum inside its mapping range. The work runs
// on a taskrunner.Runner; Process integrates the queued results on the
// controller goroutine.
package section

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/banshee-data/gazecal/internal/calibration"
	"github.com/banshee-data/gazecal/internal/gaze"
	"github.com/banshee-data/gazecal/internal/monitoring"
	"github.com/banshee-data/gazecal/internal/refpoints"
	"github.com/banshee-data/gazecal/internal/session"
	"github.com/banshee-data/gazecal/internal/taskrunner"
	"github.com/banshee-data/gazecal/internal/timeline"
)

// ErrLabelCollision is returned when a label is already used by another
// section of the same manager.
var ErrLabelCollision = errors.New("duplicated section label")

// ArtifactExt is the file extension of saved calibrations.
const ArtifactExt = ".plcalibration"

// Status texts shown for a section.
const (
	StatusNotMapped         = "Not mapped"
	StatusStarting          = "Starting calibration"
	StatusCalibrating       = "Calibrating..."
	StatusCalibrated        = "Calibration successful"
	StatusMappingComplete   = "Mapping complete."
	StatusNoPupilData       = "Calibration failed, no pupil data"
	StatusNoReferenceData   = "Calibration failed, no reference data"
	StatusNoImportedMapping = "Import failed, no calibration available"
	StatusCancelled         = "Calibration cancelled"
)

// Type selects what a section does with its ranges.
type Type string

const (
	// TypeCreate fits its own calibration and maps with it.
	TypeCreate Type = "Create calibration"
	// TypeImport maps with the calibration of another section.
	TypeImport Type = "Import calibration"
	// TypeTest maps with an imported calibration and evaluates accuracy
	// against the references in its mapping range.
	TypeTest Type = "Test calibration"
)

// State is a section's position in its calibrate/map lifecycle.
type State int

const (
	StateEmpty State = iota
	StateCalibrating
	StateCalibrated
	StateMapping
	StateMapped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateCalibrating:
		return "calibrating"
	case StateCalibrated:
		return "calibrated"
	case StateMapping:
		return "mapping"
	case StateMapped:
		return "mapped"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// RangeKind picks one of a section's two ranges.
type RangeKind int

const (
	RangeCalibration RangeKind = iota
	RangeMapping
)

// Record is the persisted form of a section.
type Record struct {
	Label            string              `cbor:"label"`
	Type             Type                `cbor:"type"`
	Calibration      *calibration.Params `cbor:"calibration"`
	CalibrationRange [2]int              `cbor:"calibration_range"`
	MappingRange     [2]int              `cbor:"mapping_range"`
	MappingMethod    calibration.Method  `cbor:"mapping_method"`
	ReferenceMethod  refpoints.Method    `cbor:"calibration_method"`
	ImportFrom       string              `cbor:"import_section,omitempty"`
	Status           string              `cbor:"status"`
	Color            gaze.RGBA           `cbor:"color"`
	VisMappingError  bool                `cbor:"vis_mapping_error"`
	OutlierThreshold float64             `cbor:"outlier_threshold"`
	XOffset          float64             `cbor:"x_offset"`
	YOffset          float64             `cbor:"y_offset"`
}

// Section is one time-ranged calibration unit. All methods must be called
// from the controller goroutine.
type Section struct {
	sess   *session.Session
	mgr    *Manager
	runner *taskrunner.Runner

	label            string
	typ              Type
	calibRange       timeline.Range
	mapRange         timeline.Range
	mappingMethod    calibration.Method
	referenceMethod  refpoints.Method
	importFrom       string
	color            gaze.RGBA
	visMappingError  bool
	outlierThreshold float64
	xOffset, yOffset float64

	state    State
	status   string
	progress float64
	params   *calibration.Params
	raw      []gaze.GazeDatum

	accuracy  *float64
	precision *float64
}

func newSection(sess *session.Session, mgr *Manager, rec Record) *Section {
	s := &Section{
		sess:             sess,
		mgr:              mgr,
		runner:           taskrunner.NewRunner(sess.Clock),
		label:            rec.Label,
		typ:              rec.Type,
		calibRange:       sess.Index.Clamp(timeline.RangeFromPair(rec.CalibrationRange)),
		mapRange:         sess.Index.Clamp(timeline.RangeFromPair(rec.MappingRange)),
		mappingMethod:    rec.MappingMethod,
		referenceMethod:  rec.ReferenceMethod,
		importFrom:       rec.ImportFrom,
		color:            rec.Color,
		visMappingError:  rec.VisMappingError,
		outlierThreshold: rec.OutlierThreshold,
		xOffset:          rec.XOffset,
		yOffset:          rec.YOffset,
		status:           rec.Status,
	}
	if s.typ == "" {
		s.typ = TypeCreate
	}
	if s.mappingMethod == "" {
		s.mappingMethod = calibration.Method3D
	}
	if s.referenceMethod == "" {
		s.referenceMethod = refpoints.CircleMarker
	}
	if s.status == "" {
		s.status = StatusNotMapped
	}
	if rec.Calibration != nil {
		p := *rec.Calibration
		s.params = &p
		s.state = StateCalibrated
	}
	return s
}

// Record returns the persisted form of the section.
func (s *Section) Record() Record {
	return Record{
		Label:            s.label,
		Type:             s.typ,
		Calibration:      s.params,
		CalibrationRange: s.calibRange.Pair(),
		MappingRange:     s.mapRange.Pair(),
		MappingMethod:    s.mappingMethod,
		ReferenceMethod:  s.referenceMethod,
		ImportFrom:       s.importFrom,
		Status:           s.status,
		Color:            s.color,
		VisMappingError:  s.visMappingError,
		OutlierThreshold: s.outlierThreshold,
		XOffset:          s.xOffset,
		YOffset:          s.yOffset,
	}
}

// Label returns the section's unique name.
func (s *Section) Label() string { return s.label }

func (s *Section) Type() Type { return s.typ }

func (s *Section) State() State { return s.state }

// Status returns the human-readable status text.
func (s *Section) Status() string { return s.status }

func (s *Section) CalibrationRange() timeline.Range { return s.calibRange }

func (s *Section) MappingRange() timeline.Range { return s.mapRange }

func (s *Section) MappingMethod() calibration.Method { return s.mappingMethod }

func (s *Section) ReferenceMethod() refpoints.Method { return s.referenceMethod }

func (s *Section) ImportFrom() string { return s.importFrom }

func (s *Section) Color() gaze.RGBA { return s.color }

func (s *Section) OutlierThreshold() float64 { return s.outlierThreshold }

func (s *Section) VisMappingError() bool { return s.visMappingError }

// Offset returns the manual gaze correction.
func (s *Section) Offset() (dx, dy float64) { return s.xOffset, s.yOffset }

// IsActive reports whether the background task is running.
func (s *Section) IsActive() bool { return s.runner.IsActive() }

// Accuracy returns the last evaluation result of a Test section, or nils.
func (s *Section) Accuracy() (accuracy, precision *float64) { return s.accuracy, s.precision }

// Progress returns the fraction of the current task that is done.
func (s *Section) Progress() float64 { return s.progress }

// Params returns the fitted calibration, or nil.
func (s *Section) Params() *calibration.Params {
	if s.params == nil {
		return nil
	}
	p := *s.params
	return &p
}

// RawLen returns the number of mapped gaze points held, before offsets.
func (s *Section) RawLen() int { return len(s.raw) }

// GazePositions returns the section's gaze with its offset applied.
func (s *Section) GazePositions() []gaze.GazeDatum {
	out := make([]gaze.GazeDatum, len(s.raw))
	for i, g := range s.raw {
		out[i] = g.WithOffset(s.xOffset, s.yOffset)
	}
	return out
}

// SetOffset changes the manual gaze correction. Stored gaze is untouched;
// the manager re-merges on its next cycle.
func (s *Section) SetOffset(dx, dy float64) {
	if dx == s.xOffset && dy == s.yOffset {
		return
	}
	s.xOffset, s.yOffset = dx, dy
	s.changed()
}

// SetRange replaces one of the ranges. The value is clamped to the timeline.
func (s *Section) SetRange(kind RangeKind, r timeline.Range) {
	r = s.sess.Index.Clamp(r)
	if kind == RangeCalibration {
		s.calibRange = r
	} else {
		s.mapRange = r
	}
}

// SetRangeFromTrimMarks copies the session's trim marks into one range and
// returns the range as display text.
func (s *Section) SetRangeFromTrimMarks(kind RangeKind) string {
	s.SetRange(kind, s.sess.TrimRange())
	name, r := "Calibration", s.calibRange
	if kind == RangeMapping {
		name, r = "Mapping", s.mapRange
	}
	return name + ": " + s.sess.Index.FormatRange(r)
}

// SetType changes what the section does on the next Calibrate.
func (s *Section) SetType(t Type) { s.typ = t }

// SetMappingMethod selects 2d or 3d mapping.
func (s *Section) SetMappingMethod(m calibration.Method) { s.mappingMethod = m }

// SetReferenceMethod selects circle markers or natural features.
func (s *Section) SetReferenceMethod(m refpoints.Method) { s.referenceMethod = m }

// SetImportFrom names the section whose calibration Import and Test use.
func (s *Section) SetImportFrom(label string) { s.importFrom = label }

// SetOutlierThreshold sets the accuracy evaluation outlier threshold.
func (s *Section) SetOutlierThreshold(deg float64) { s.outlierThreshold = deg }

// SetVisMappingError toggles the mapping error visualization flag.
func (s *Section) SetVisMappingError(v bool) { s.visMappingError = v }

// ArtifactPath is where the section's fitted calibration is saved.
func (s *Section) ArtifactPath() string {
	return artifactPath(s.sess, s.label)
}

func artifactPath(sess *session.Session, label string) string {
	return filepath.Join(sess.CacheDir(), label+ArtifactExt)
}

func (s *Section) changed() {
	if s.mgr != nil {
		s.mgr.markDirty()
	}
}

func (s *Section) fail(status string) {
	s.status = status
	s.state = StateFailed
	s.progress = 0
	monitoring.Logf("[Section] %s: %s", s.label, status)
	s.sess.Notify(session.SubjectSectionFailed, s.label)
}

// Calibrate (re)starts the section's background task. Any running task is
// cancelled. Previously mapped gaze is dropped only once a new task starts;
// a calibration that fails up front keeps it.
func (s *Section) Calibrate() {
	s.runner.Cancel()
	s.status = StatusStarting
	s.progress = 0

	mapList := s.sess.Pupils.Slice(s.mapRange)
	batch := s.sess.Settings.GetMappingBatchSize()
	label := s.label

	if s.typ == TypeImport || s.typ == TypeTest {
		params := s.importedParams()
		if params == nil {
			s.fail(StatusNoImportedMapping)
			return
		}
		model, err := s.sess.Models.Get(params.Method, s.sess.ModelOptions())
		if err != nil {
			s.fail(fmt.Sprintf("Calibration failed! %v", err))
			return
		}
		s.mappingMethod = params.Method
		monitoring.Logf("[Section] Mapping section %s with calibration of %s", label, s.importFrom)
		s.start(func(ctx context.Context, rep taskrunner.Reporter) (any, error) {
			if !rep.Partial(*params) {
				return nil, taskrunner.ErrTaskCancelled
			}
			return mapAll(ctx, rep, model, *params, mapList, batch)
		})
		return
	}

	calibList := s.sess.Pupils.Slice(s.calibRange)
	// InRange returns copies, so the worker never shares the store's slices.
	refs := s.sess.Refs.InRange(s.referenceMethod, s.calibRange.Lo, s.calibRange.Hi)
	if len(calibList) == 0 {
		s.fail(StatusNoPupilData)
		return
	}
	if len(refs) == 0 {
		s.fail(StatusNoReferenceData)
		return
	}
	if s.mappingMethod == calibration.Method3D && calibration.MedianIs2D(calibList) {
		monitoring.Logf("[Section] Pupil data is 2d, calibration and mapping mode forced to 2d.")
		s.mappingMethod = calibration.Method2D
	}
	model, err := s.sess.Models.Get(s.mappingMethod, s.sess.ModelOptions())
	if err != nil {
		s.fail(fmt.Sprintf("Calibration failed! %v", err))
		return
	}

	monitoring.Logf("[Section] Calibrating section %s in %s mode...", label, s.mappingMethod)
	s.start(func(ctx context.Context, rep taskrunner.Reporter) (any, error) {
		rep.Progress(0, StatusCalibrating)
		params, err := model.Fit(refs, calibList)
		if err != nil {
			return nil, err
		}
		if !rep.Progress(0, StatusCalibrated) || !rep.Partial(params) {
			return nil, taskrunner.ErrTaskCancelled
		}
		return mapAll(ctx, rep, model, params, mapList, batch)
	})
}

// start drops the previous results and runs work in the background.
func (s *Section) start(work taskrunner.WorkFunc) {
	s.accuracy, s.precision = nil, nil
	if len(s.raw) > 0 {
		s.raw = nil
		s.changed()
	}
	s.state = StateCalibrating
	s.runner.Start(s.label, work)
}

// Cancel stops a running task. Gaze already integrated by Process is kept
// and nothing the task produced afterwards is delivered.
func (s *Section) Cancel() {
	if !s.runner.IsActive() {
		return
	}
	s.cancel()
	if s.params != nil {
		s.state = StateCalibrated
	} else {
		s.state = StateEmpty
	}
	s.status = StatusCancelled
	monitoring.Logf("[Section] %s: %s", s.label, StatusCancelled)
}

func (s *Section) importedParams() *calibration.Params {
	if s.mgr == nil || s.importFrom == "" || s.importFrom == s.label {
		return nil
	}
	src, ok := s.mgr.Section(s.importFrom)
	if !ok {
		return nil
	}
	return src.Params()
}

// mapAll applies the fitted model to every pupil datum, checking for
// cancellation before each one. Mapped gaze is sent in batches.
func mapAll(ctx context.Context, rep taskrunner.Reporter, model calibration.Model, params calibration.Params,
	pupils []gaze.PupilDatum, batchSize int) (any, error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	var batch []gaze.GazeDatum
	total := 0
	for i, d := range pupils {
		if ctx.Err() != nil {
			return nil, taskrunner.ErrTaskCancelled
		}
		mapped, err := model.Apply(params, d)
		if err != nil {
			return nil, fmt.Errorf("mapping pupil datum at %.3f: %w", d.Timestamp, err)
		}
		batch = append(batch, mapped...)
		if len(batch) >= batchSize {
			frac := float64(i+1) / float64(len(pupils))
			if !rep.Partial(batch) || !rep.Progress(frac, fmt.Sprintf("Mapping..%d%%", int(100*frac))) {
				return nil, taskrunner.ErrTaskCancelled
			}
			total += len(batch)
			batch = nil
		}
	}
	if len(batch) > 0 {
		if !rep.Partial(batch) {
			return nil, taskrunner.ErrTaskCancelled
		}
		total += len(batch)
	}
	rep.Progress(1, StatusMappingComplete)
	return total, nil
}

// Process integrates the events queued by the background task. It reports
// whether the task finished during this call.
func (s *Section) Process() (finished bool) {
	for _, e := range s.runner.Poll() {
		switch e.Kind {
		case taskrunner.EventProgress:
			s.status = e.Message
			s.progress = e.Fraction
		case taskrunner.EventPartial:
			s.handlePartial(e.Payload)
		case taskrunner.EventCompleted:
			s.state = StateMapped
			s.progress = 1
			if s.typ == TypeTest {
				s.evaluate()
			}
			finished = true
		case taskrunner.EventFailed:
			what := "Calibration"
			if s.state == StateMapping {
				what = "Mapping"
			}
			s.fail(fmt.Sprintf("%s failed! %v", what, e.Err))
			finished = true
		}
	}
	return finished
}

func (s *Section) handlePartial(payload any) {
	switch p := payload.(type) {
	case calibration.Params:
		s.params = &p
		s.state = StateCalibrated
		s.saveArtifact()
		s.sess.Notify(session.SubjectCalibrationComputed, s.label)
		s.state = StateMapping
		if s.mgr != nil && s.typ == TypeCreate {
			s.mgr.calibrationComputed(s.label)
		}
	case []gaze.GazeDatum:
		// Labelled here so a rename during mapping applies to later batches.
		for i := range p {
			p[i].Section = s.label
		}
		s.raw = append(s.raw, p...)
	default:
		monitoring.Logf("[Section] %s: unexpected task payload %T", s.label, payload)
	}
}

func (s *Section) saveArtifact() {
	if s.params == nil {
		return
	}
	p := *s.params
	p.Version = calibration.ParamsVersion
	if err := s.sess.Cache.Save(p, s.ArtifactPath()); err != nil {
		monitoring.Logf("[Section] failed to save calibration for %s: %v", s.label, err)
	}
}

func (s *Section) removeArtifact() {
	if err := s.sess.Cache.Remove(s.ArtifactPath()); err != nil {
		monitoring.Logf("[Section] failed to remove calibration for %s: %v", s.label, err)
	}
}

// evaluate computes accuracy and precision of the mapped gaze against the
// references in the mapping range.
func (s *Section) evaluate() {
	refs := s.sess.Refs.InRange(s.referenceMethod, s.mapRange.Lo, s.mapRange.Hi)
	if len(refs) == 0 || len(s.raw) == 0 {
		return
	}
	acc, ok := calibration.Evaluate(s.GazePositions(), refs, s.sess.EvalOptions(s.outlierThreshold))
	if !ok {
		return
	}
	monitoring.Logf("[Section] Angular accuracy for %s: %.3f. Used %d of %d samples.", s.label, acc.AccuracyDeg, acc.Used, acc.Total)
	monitoring.Logf("[Section] Angular precision for %s: %.3f. Used %d of %d samples.", s.label, acc.PrecisionDeg, acc.Used, acc.Total)
	a, p := acc.AccuracyDeg, acc.PrecisionDeg
	s.accuracy, s.precision = &a, &p
}

// cancel stops the background task and waits for it to exit.
func (s *Section) cancel() {
	s.runner.Cancel()
	s.runner.Wait()
}
