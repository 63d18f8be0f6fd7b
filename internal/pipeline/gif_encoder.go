package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/derivflow/internal/tempfs"
)

// GifsicleEncoder shells out to gifsicle, which resizes and applies lossy
// LZW compression in one optimisation pass. Assets must live on the OS
// filesystem.
type GifsicleEncoder struct {
	Path string
}

func (e GifsicleEncoder) Encode(ctx context.Context, in, out *tempfs.Asset, width, height, loss int) error {
	bin := e.Path
	if bin == "" {
		bin = "gifsicle"
	}

	args := []string{
		"-O3",
		"--lossy=" + strconv.Itoa(loss),
		"--resize", fmt.Sprintf("%dx%d", width, height),
		in.Path(),
		"-o", out.Path(),
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: gifsicle: %v: %s", ErrEncode, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// NativeGIFEncoder resizes frames in process. It keeps frame delays, loop
// count and disposal semantics but has no lossy LZW mode, so loss is ignored.
type NativeGIFEncoder struct{}

func (NativeGIFEncoder) Encode(ctx context.Context, in, out *tempfs.Asset, width, height, _ int) error {
	f, err := in.Open()
	if err != nil {
		return err
	}
	src, err := gif.DecodeAll(f)
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("%w: gif frames: %v", ErrDecode, err)
	}
	if len(src.Image) == 0 {
		return fmt.Errorf("%w: gif has no frames", ErrDecode)
	}

	dst, err := resizeGIF(ctx, src, width, height)
	if err != nil {
		return err
	}

	w, err := out.Fs().OpenFile(out.Path(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", tempfs.ErrTempIO, out.Path(), err)
	}
	encErr := gif.EncodeAll(w, dst)
	closeErr := w.Close()
	if encErr != nil {
		return fmt.Errorf("%w: gif: %v", ErrEncode, encErr)
	}
	if closeErr != nil {
		return fmt.Errorf("%w: close %s: %v", tempfs.ErrTempIO, out.Path(), closeErr)
	}
	return nil
}

// resizeGIF composites every frame onto the logical screen, honouring the
// source disposal, then scales the composite. Output frames are full size.
func resizeGIF(ctx context.Context, src *gif.GIF, width, height int) (*gif.GIF, error) {
	screenW, screenH := src.Config.Width, src.Config.Height
	if screenW <= 0 || screenH <= 0 {
		b := src.Image[0].Bounds()
		screenW, screenH = b.Max.X, b.Max.Y
	}
	canvas := image.NewRGBA(image.Rect(0, 0, screenW, screenH))
	bounds := image.Rect(0, 0, width, height)

	dst := &gif.GIF{
		Image:     make([]*image.Paletted, 0, len(src.Image)),
		Delay:     make([]int, 0, len(src.Image)),
		Disposal:  make([]byte, 0, len(src.Image)),
		LoopCount: src.LoopCount,
	}

	for i, frame := range src.Image {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		disposal := byte(gif.DisposalNone)
		if i < len(src.Disposal) {
			disposal = src.Disposal[i]
		}
		var previous *image.RGBA
		if disposal == gif.DisposalPrevious {
			previous = image.NewRGBA(canvas.Bounds())
			copy(previous.Pix, canvas.Pix)
		}

		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)

		scaled := imaging.Resize(canvas, width, height, imaging.Lanczos)
		paletted := image.NewPaletted(bounds, frame.Palette)
		draw.FloydSteinberg.Draw(paletted, bounds, scaled, image.Point{})

		delay := 0
		if i < len(src.Delay) {
			delay = src.Delay[i]
		}
		dst.Image = append(dst.Image, paletted)
		dst.Delay = append(dst.Delay, delay)
		dst.Disposal = append(dst.Disposal, gif.DisposalBackground)

		switch disposal {
		case gif.DisposalBackground:
			draw.Draw(canvas, frame.Bounds(), image.Transparent, image.Point{}, draw.Src)
		case gif.DisposalPrevious:
			copy(canvas.Pix, previous.Pix)
		}
	}

	if len(dst.Image) == 0 {
		return nil, errors.New("no frames")
	}
	return dst, nil
}
