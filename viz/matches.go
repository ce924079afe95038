// Package viz renders accepted loop closures as composite images: the
// current keyframe on top, the participating candidate keyframes below, and
// the inlier correspondences drawn over both, one color per structural pair.
package viz

import (
	"fmt"
	"image"
	"image/jpeg"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/edaniels/golog"
	"github.com/fogleman/gg"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/loopclosure/verify"
)

const (
	placeholderWidth  = 512
	placeholderHeight = 384
	markerRadius      = 4.0
	lineWidth         = 2.0
	colorSeed         = 12345
)

// ImageSink receives every published composite, the startup placeholder
// included. Implementations must not retain the image past the call.
type ImageSink interface {
	Publish(img image.Image)
}

// Renderer composes and publishes loop-closure images. Keyframes are read
// from keyframesDir as zero-padded JPEG files; composites are numbered in
// acceptance order under outDir.
type Renderer struct {
	keyframesDir string
	outDir       string
	sink         ImageSink
	logger       golog.Logger
	rendered     int
}

// NewRenderer creates outDir if needed. sink may be nil, in which case
// composites are only written to disk.
func NewRenderer(keyframesDir, outDir string, sink ImageSink, logger golog.Logger) (*Renderer, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "cannot create loop closure output directory")
	}
	return &Renderer{
		keyframesDir: keyframesDir,
		outDir:       outDir,
		sink:         sink,
		logger:       logger,
	}, nil
}

// PublishPlaceholder pushes the startup frame shown before any closure has
// been accepted. It is not written to disk.
func (r *Renderer) PublishPlaceholder() {
	if r.sink == nil {
		return
	}
	dc := gg.NewContext(placeholderWidth, placeholderHeight)
	dc.SetRGB(0, 0, 0)
	dc.Clear()
	dc.SetRGB(1, 1, 1)
	dc.DrawStringAnchored("No Loop Closures", placeholderWidth/2, placeholderHeight/2, 0.5, 0.5)
	r.sink.Publish(dc.Image())
}

// Render composes the image for one accepted closure, saves it and forwards
// it to the sink. A missing keyframe file skips the whole composite without
// error: rendering is best effort.
func (r *Renderer) Render(report *verify.MatchReport) error {
	current, ok := r.loadKeyframe(report.CurrentFrameID)
	if !ok {
		return nil
	}
	candidates := make([]image.Image, 0, len(report.CandidateFrameIDs))
	for _, id := range report.CandidateFrameIDs {
		img, ok := r.loadKeyframe(id)
		if !ok {
			return nil
		}
		candidates = append(candidates, img)
	}

	curW := current.Bounds().Dx()
	curH := current.Bounds().Dy()
	rowW := 0
	rowH := 0
	offsetX := map[int]float64{}
	for i, img := range candidates {
		offsetX[report.CandidateFrameIDs[i]] = float64(rowW)
		rowW += img.Bounds().Dx()
		if h := img.Bounds().Dy(); h > rowH {
			rowH = h
		}
	}
	totalW := curW
	if rowW > totalW {
		totalW = rowW
	}

	dc := gg.NewContext(totalW, curH+rowH)
	dc.SetRGB(0, 0, 0)
	dc.Clear()

	curX := float64(totalW-curW) / 2
	dc.DrawImage(current, int(curX), 0)
	dc.SetRGB(1, 1, 1)
	dc.DrawString(fmt.Sprintf("%05d", report.CurrentFrameID), curX+8, 16)
	for i, img := range candidates {
		id := report.CandidateFrameIDs[i]
		dc.DrawImage(img, int(offsetX[id]), curH)
		dc.SetRGB(1, 1, 1)
		dc.DrawString(fmt.Sprintf("%05d", id), offsetX[id]+8, float64(curH)+16)
	}

	// one fixed color per structural pair so re-renders are comparable
	rnd := rand.New(rand.NewSource(colorSeed))
	colors := make([][3]float64, report.PairCount)
	for i := range colors {
		colors[i] = [3]float64{rnd.Float64(), rnd.Float64(), rnd.Float64()}
	}

	dc.SetLineWidth(lineWidth)
	for i := range report.CurrentPoints {
		pairIdx := report.PairIndex[i]
		if pairIdx < 0 || pairIdx >= len(colors) {
			continue
		}
		c := colors[pairIdx]
		dc.SetRGB(c[0], c[1], c[2])

		cx := curX + report.CurrentPoints[i].X
		cy := report.CurrentPoints[i].Y
		px := offsetX[report.CandidateFrameOf[i]] + report.CandidatePoints[i].X
		py := float64(curH) + report.CandidatePoints[i].Y

		dc.DrawCircle(cx, cy, markerRadius)
		dc.Stroke()
		dc.DrawCircle(px, py, markerRadius)
		dc.Stroke()
		dc.DrawLine(cx, cy, px, py)
		dc.Stroke()
	}

	r.rendered++
	name := filepath.Join(r.outDir, fmt.Sprintf("%05d.jpg", r.rendered))
	if err := saveJPG(name, dc.Image()); err != nil {
		return errors.Wrapf(err, "cannot save loop closure image %q", name)
	}
	if r.sink != nil {
		r.sink.Publish(dc.Image())
	}
	return nil
}

func (r *Renderer) loadKeyframe(frameID int) (image.Image, bool) {
	path := filepath.Join(r.keyframesDir, fmt.Sprintf("%05d.jpg", frameID))
	img, err := gg.LoadImage(path)
	if err != nil {
		r.logger.Debugw("keyframe image unavailable, skipping render",
			"frame", frameID, "path", path, "error", err)
		return nil, false
	}
	return img, true
}

func saveJPG(path string, img image.Image) error {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer utils.UncheckedErrorFunc(f.Close)
	return jpeg.Encode(f, img, &jpeg.Options{Quality: 90})
}
