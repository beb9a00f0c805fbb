// Package workersim is a stand-in for the Python licence-plate worker. It
// speaks the same line protocol so the gateway can be developed and tested
// without a GPU.
package workersim

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/dj-oyu/licenseai-gateway/internal/protocol"
	"github.com/dj-oyu/licenseai-gateway/pkg/types"
)

// ErrCrashed is returned when Options.CrashAfter requests have been served
var ErrCrashed = errors.New("simulated worker crash")

// PlateLabel is the only class the real detector reports
const PlateLabel = "License_Plate"

// Options tune the simulation
type Options struct {
	// Delay is added before every reply
	Delay time.Duration
	// CrashAfter stops the loop with ErrCrashed after that many requests; 0 disables
	CrashAfter int
	// FPS reported for every processed frame
	FPS float64
	// Stderr receives the worker's log lines; nil discards them
	Stderr io.Writer
}

var boxColor = color.RGBA{G: 255, A: 255}

// Run serves requests from in until EOF, an exit action, ctx cancellation
// or a simulated crash.
func Run(ctx context.Context, in io.Reader, out io.Writer, opts Options) error {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	if opts.FPS == 0 {
		opts.FPS = 30
	}

	fmt.Fprintln(stderr, "Loading model...")
	fmt.Fprintln(stderr, "Model loaded")

	w := bufio.NewWriter(out)
	reply := func(v any) error {
		if opts.Delay > 0 {
			select {
			case <-time.After(opts.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		line, err := protocol.Encode(v)
		if err != nil {
			return err
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		return w.Flush()
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)

	served := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if opts.CrashAfter > 0 && served >= opts.CrashAfter {
			fmt.Fprintln(stderr, "[CRITICAL] simulated crash")
			return ErrCrashed
		}
		served++

		var req protocol.Request
		if err := json.Unmarshal(bytes.TrimSpace(scanner.Bytes()), &req); err != nil {
			if err := reply(map[string]string{"error": "Invalid JSON"}); err != nil {
				return err
			}
			continue
		}

		var err error
		switch req.Action {
		case protocol.ActionPing:
			err = reply(map[string]string{"status": "ok"})
		case protocol.ActionProcess:
			err = reply(process(req.ImagePath, opts.FPS))
		case protocol.ActionExit:
			return nil
		default:
			// The real worker answers nothing for an unknown action
			fmt.Fprintf(stderr, "[WARNING] unknown action %q\n", req.Action)
		}
		if err != nil {
			return err
		}
	}
	return scanner.Err()
}

func process(path string, fps float64) any {
	if path == "" {
		return map[string]string{"error": "No image_path provided"}
	}
	f, err := os.Open(path)
	if err != nil {
		return map[string]string{"error": "Failed to read image file"}
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return map[string]string{"error": "Failed to read image file"}
	}

	annotated, box := annotate(src)
	var buf bytes.Buffer
	if err := png.Encode(&buf, annotated); err != nil {
		return map[string]string{"error": fmt.Sprintf("Service error: %v", err)}
	}

	return types.Result{
		Image: base64.StdEncoding.EncodeToString(buf.Bytes()),
		Boxes: []types.Box{box},
		FPS:   fps,
	}
}

// annotate marks the centre third of the frame as a detected plate
func annotate(src image.Image) (*image.RGBA, types.Box) {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, src, b.Min, draw.Src)

	w, h := b.Dx(), b.Dy()
	x1, y1 := b.Min.X+w/3, b.Min.Y+h/3
	x2, y2 := b.Min.X+2*w/3, b.Min.Y+2*h/3

	for x := x1; x <= x2; x++ {
		dst.Set(x, y1, boxColor)
		dst.Set(x, y2, boxColor)
	}
	for y := y1; y <= y2; y++ {
		dst.Set(x1, y, boxColor)
		dst.Set(x2, y, boxColor)
	}

	return dst, types.Box{
		Label:      PlateLabel,
		Confidence: 0.9,
		BBox:       [4]float64{float64(x1), float64(y1), float64(x2), float64(y2)},
	}
}
